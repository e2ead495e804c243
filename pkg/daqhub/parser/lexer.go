package parser

type TokenType int

const (
	// Special tokens
	ILLEGAL TokenType = iota
	EOF

	// Literals
	IDENT  // variable names, function names, keywords
	NUMBER // 12, 3.5
	SIGNAL // "AI:Name"
	STATIC // static.name
	BUTTON // buttonVars.name
	PROP   // .OUT

	// Operators
	ASSIGN   // =
	EQ       // ==
	NOT_EQ   // !=
	LT       // <
	GT       // >
	LTE      // <=
	GTE      // >=
	PLUS     // +
	MINUS    // -
	ASTERISK // *
	SLASH    // /
	PERCENT  // %

	// Delimiters
	COMMA  // ,
	LPAREN // (
	RPAREN // )
)

const (
	staticPrefix = "static"
	buttonPrefix = "buttonVars"
)

type Token struct {
	Type     TokenType
	Literal  string
	Position int
	Line     int
	Column   int
}

type Lexer struct {
	input        string
	position     int  // current position in input (points to current char)
	readPosition int  // current reading position in input (after current char)
	ch           byte // current char under examination
	line         int
	column       int
}

func NewLexer(input string) *Lexer {
	l := &Lexer{
		input:  input,
		line:   1,
		column: 0,
	}
	l.readChar()
	return l
}

// Tokenize scans the whole input. The returned slice always ends with an EOF
// token unless an error is returned.
func Tokenize(input string) ([]Token, error) {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		if tok.Type == ILLEGAL {
			return nil, illegalTokenError(tok)
		}
		tokens = append(tokens, tok)
		if tok.Type == EOF {
			return tokens, nil
		}
	}
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.column = 0
	}
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	l.column++
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) NextToken() Token {
	var tok Token

	l.skipWhitespaceAndComments()

	tok.Position = l.position
	tok.Line = l.line
	tok.Column = l.column

	switch l.ch {
	case '=':
		tok = l.twoCharToken(ASSIGN, EQ, '=')
	case '!':
		tok = l.twoCharToken(ILLEGAL, NOT_EQ, '=')
	case '<':
		tok = l.twoCharToken(LT, LTE, '=')
	case '>':
		tok = l.twoCharToken(GT, GTE, '=')
	case '+':
		tok = newToken(PLUS, l.ch, l.position, l.line, l.column)
	case '-':
		tok = newToken(MINUS, l.ch, l.position, l.line, l.column)
	case '*':
		tok = newToken(ASTERISK, l.ch, l.position, l.line, l.column)
	case '/':
		tok = newToken(SLASH, l.ch, l.position, l.line, l.column)
	case '%':
		tok = newToken(PERCENT, l.ch, l.position, l.line, l.column)
	case ',':
		tok = newToken(COMMA, l.ch, l.position, l.line, l.column)
	case '(':
		tok = newToken(LPAREN, l.ch, l.position, l.line, l.column)
	case ')':
		tok = newToken(RPAREN, l.ch, l.position, l.line, l.column)
	case '.':
		if !isLetter(l.peekChar()) {
			tok = newToken(ILLEGAL, l.ch, l.position, l.line, l.column)
			break
		}
		l.readChar()
		tok.Type = PROP
		tok.Literal = l.readIdentifier()
		return tok
	case '"':
		lit, ok := l.readSignal()
		if !ok {
			tok.Type = ILLEGAL
			tok.Literal = `"` + lit
			return tok
		}
		tok.Type = SIGNAL
		tok.Literal = lit
	case 0:
		tok.Literal = ""
		tok.Type = EOF
		return tok
	default:
		if isLetter(l.ch) {
			tok.Literal = l.readIdentifier()
			tok.Type = IDENT
			if name, kind, ok := l.readScopedName(tok.Literal); ok {
				tok.Type = kind
				tok.Literal = name
			}
			return tok
		} else if isDigit(l.ch) {
			tok.Type = NUMBER
			tok.Literal = l.readNumber()
			return tok
		}
		tok = newToken(ILLEGAL, l.ch, l.position, l.line, l.column)
	}

	l.readChar()
	return tok
}

func (l *Lexer) twoCharToken(single, double TokenType, second byte) Token {
	if l.peekChar() == second {
		tok := Token{Type: double, Position: l.position, Line: l.line, Column: l.column}
		ch := l.ch
		l.readChar()
		tok.Literal = string(ch) + string(l.ch)
		return tok
	}
	return newToken(single, l.ch, l.position, l.line, l.column)
}

func newToken(tokenType TokenType, ch byte, position, line, column int) Token {
	return Token{
		Type:     tokenType,
		Literal:  string(ch),
		Position: position,
		Line:     line,
		Column:   column,
	}
}

// readScopedName turns `static.x` and `buttonVars.x` into a single token
// carrying just the variable name.
func (l *Lexer) readScopedName(prefix string) (string, TokenType, bool) {
	var kind TokenType
	switch prefix {
	case staticPrefix:
		kind = STATIC
	case buttonPrefix:
		kind = BUTTON
	default:
		return "", IDENT, false
	}
	if l.ch != '.' || !isLetter(l.peekChar()) {
		return "", IDENT, false
	}
	l.readChar()
	return l.readIdentifier(), kind, true
}

func (l *Lexer) readIdentifier() string {
	position := l.position
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[position:l.position]
}

func (l *Lexer) readNumber() string {
	position := l.position
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && !isLetter(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[position:l.position]
}

// readSignal reads the body of a quoted signal reference. The closing quote
// is left as the current char.
func (l *Lexer) readSignal() (string, bool) {
	position := l.position + 1
	for {
		l.readChar()
		if l.ch == '"' {
			break
		}
		if l.ch == 0 || l.ch == '\n' {
			return l.input[position:l.position], false
		}
	}
	lit := l.input[position:l.position]
	return lit, lit != ""
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '/' && l.peekChar() == '/':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		default:
			return
		}
	}
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func (t TokenType) String() string {
	switch t {
	case ILLEGAL:
		return "ILLEGAL"
	case EOF:
		return "EOF"
	case IDENT:
		return "IDENT"
	case NUMBER:
		return "NUMBER"
	case SIGNAL:
		return "SIGNAL"
	case STATIC:
		return "STATIC"
	case BUTTON:
		return "BUTTON"
	case PROP:
		return "PROP"
	case ASSIGN:
		return "="
	case EQ:
		return "=="
	case NOT_EQ:
		return "!="
	case LT:
		return "<"
	case GT:
		return ">"
	case LTE:
		return "<="
	case GTE:
		return ">="
	case PLUS:
		return "+"
	case MINUS:
		return "-"
	case ASTERISK:
		return "*"
	case SLASH:
		return "/"
	case PERCENT:
		return "%"
	case COMMA:
		return ","
	case LPAREN:
		return "("
	case RPAREN:
		return ")"
	default:
		return "UNKNOWN"
	}
}
