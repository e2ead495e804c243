package parser

import (
	"strconv"
	"strings"
)

const (
	_ int = iota
	LOWEST
	LOGICAL_OR  // OR
	LOGICAL_AND // AND
	COMPARE     // == != < > <= >=
	SUM         // + -
	PRODUCT     // * / %
	PREFIX      // -X or NOT X
)

var precedences = map[TokenType]int{
	EQ:       COMPARE,
	NOT_EQ:   COMPARE,
	LT:       COMPARE,
	GT:       COMPARE,
	LTE:      COMPARE,
	GTE:      COMPARE,
	PLUS:     SUM,
	MINUS:    SUM,
	ASTERISK: PRODUCT,
	SLASH:    PRODUCT,
	PERCENT:  PRODUCT,
}

// Keywords are plain identifiers to the lexer and matched here without
// regard to case.
var keywords = map[string]int{
	"AND":   LOGICAL_AND,
	"OR":    LOGICAL_OR,
	"NOT":   LOWEST,
	"IF":    LOWEST,
	"THEN":  LOWEST,
	"ELSE":  LOWEST,
	"ENDIF": LOWEST,
}

type (
	prefixParseFn func() Expression
	infixParseFn  func(Expression) Expression
)

type Parser struct {
	l *Lexer

	curToken  Token
	peekToken Token

	errors []*SyntaxError

	// blockDepth counts the multi-line IF branches currently being collected.
	blockDepth int

	prefixParseFns map[TokenType]prefixParseFn
	infixParseFns  map[TokenType]infixParseFn
}

func New(l *Lexer) *Parser {
	p := &Parser{l: l}

	p.prefixParseFns = make(map[TokenType]prefixParseFn)
	p.registerPrefix(IDENT, p.parseIdentifier)
	p.registerPrefix(NUMBER, p.parseNumberLiteral)
	p.registerPrefix(SIGNAL, p.parseSignalRef)
	p.registerPrefix(STATIC, p.parseStaticVar)
	p.registerPrefix(BUTTON, p.parseButtonVar)
	p.registerPrefix(MINUS, p.parsePrefixExpression)
	p.registerPrefix(LPAREN, p.parseGroupedExpression)

	p.infixParseFns = make(map[TokenType]infixParseFn)
	for tokenType := range precedences {
		p.registerInfix(tokenType, p.parseInfixExpression)
	}

	// Read two tokens, so curToken and peekToken are both set
	p.nextToken()
	p.nextToken()

	return p
}

// Parse compiles source text into a Program, failing on the first syntax
// error.
func Parse(src string) (*Program, error) {
	p := New(NewLexer(src))
	program := p.ParseProgram()
	if err := p.Err(); err != nil {
		return nil, err
	}
	return program, nil
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
	if p.peekToken.Type == ILLEGAL {
		p.errors = append(p.errors, illegalTokenError(p.peekToken))
	}
}

func (p *Parser) ParseProgram() *Program {
	program := &Program{}
	program.Statements = []Statement{}

	for !p.curTokenIs(EOF) && !p.failed() {
		stmt := p.parseStatement()
		if p.failed() {
			break
		}
		program.Statements = append(program.Statements, stmt)
		p.nextToken()
	}

	return program
}

func (p *Parser) parseStatement() Statement {
	switch p.curToken.Type {
	case IDENT:
		if kw := keyword(p.curToken); kw != "" {
			switch kw {
			case "THEN", "ELSE", "ENDIF", "AND", "OR":
				p.errorAt(p.curToken, "unexpected %s", kw)
				return nil
			}
			break
		}
		if p.peekTokenIs(ASSIGN) {
			return p.parseAssignStatement(LocalTarget, p.curToken.Literal)
		}
	case STATIC:
		if p.peekTokenIs(ASSIGN) {
			return p.parseAssignStatement(StaticTarget, p.curToken.Literal)
		}
	case SIGNAL:
		if p.peekTokenIs(ASSIGN) {
			return p.parseSignalAssignment()
		}
	case BUTTON:
		if p.peekTokenIs(ASSIGN) {
			p.errorAt(p.curToken, "button variable %s is read-only", p.curToken.Literal)
			return nil
		}
	}
	return p.parseExpressionStatement()
}

func (p *Parser) parseAssignStatement(target AssignTarget, name string) Statement {
	stmt := &AssignStatement{Token: p.curToken, Target: target, Name: name}
	stmt.LineStart = p.curToken.Line

	p.nextToken() // '='
	p.nextToken()

	stmt.Value = p.parseExpression(LOWEST)
	if stmt.Value == nil {
		return nil
	}
	stmt.LineEnd = p.curToken.Line
	return stmt
}

func (p *Parser) parseSignalAssignment() Statement {
	kind, name, ok := splitSignal(p.curToken.Literal)
	if !ok {
		p.errorAt(p.curToken, "signal reference %q must look like TYPE:Name", p.curToken.Literal)
		return nil
	}
	switch kind {
	case "DO":
		return p.parseAssignStatement(DigitalOutTarget, name)
	case "AO":
		return p.parseAssignStatement(AnalogOutTarget, name)
	default:
		p.errorAt(p.curToken, "cannot assign to %s signals, only DO and AO are writable", kind)
		return nil
	}
}

func (p *Parser) parseExpressionStatement() Statement {
	stmt := &ExpressionStatement{Token: p.curToken}
	stmt.LineStart = p.curToken.Line
	stmt.Expression = p.parseExpression(LOWEST)
	if stmt.Expression == nil {
		return nil
	}
	stmt.LineEnd = p.curToken.Line
	return stmt
}

func (p *Parser) parseExpression(precedence int) Expression {
	if p.failed() {
		return nil
	}
	prefix := p.prefixParseFns[p.curToken.Type]
	if prefix == nil {
		p.noPrefixParseFnError(p.curToken)
		return nil
	}
	leftExp := prefix()

	for leftExp != nil && !p.failed() && precedence < p.peekPrecedence() {
		infix := p.infixFor(p.peekToken)
		if infix == nil {
			return leftExp
		}

		p.nextToken()

		leftExp = infix(leftExp)
	}

	if p.failed() {
		return nil
	}
	return leftExp
}

func (p *Parser) infixFor(tok Token) infixParseFn {
	if tok.Type == IDENT {
		switch keyword(tok) {
		case "AND", "OR":
			return p.parseInfixExpression
		}
		return nil
	}
	return p.infixParseFns[tok.Type]
}

func (p *Parser) parseIdentifier() Expression {
	switch kw := keyword(p.curToken); kw {
	case "":
	case "NOT":
		return p.parsePrefixExpression()
	case "IF":
		expr, _ := p.parseIf(false)
		if expr == nil {
			return nil
		}
		return expr
	default:
		p.errorAt(p.curToken, "unexpected %s", kw)
		return nil
	}

	if p.peekTokenIs(LPAREN) {
		return p.parseCallExpression()
	}

	ident := &Identifier{Token: p.curToken, Value: p.curToken.Literal}
	ident.LineStart, ident.LineEnd = p.curToken.Line, p.curToken.Line
	return ident
}

func (p *Parser) parseNumberLiteral() Expression {
	lit := &NumberLiteral{Token: p.curToken}
	lit.LineStart, lit.LineEnd = p.curToken.Line, p.curToken.Line

	value, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		p.errorAt(p.curToken, "could not parse %q as number", p.curToken.Literal)
		return nil
	}

	lit.Value = value
	return lit
}

func (p *Parser) parseSignalRef() Expression {
	kind, name, ok := splitSignal(p.curToken.Literal)
	if !ok {
		p.errorAt(p.curToken, "signal reference %q must look like TYPE:Name", p.curToken.Literal)
		return nil
	}
	ref := &SignalRef{Token: p.curToken, Kind: kind, Name: name}
	ref.LineStart = p.curToken.Line

	if p.peekTokenIs(PROP) {
		p.nextToken()
		ref.Prop = strings.ToUpper(p.curToken.Literal)
	}
	ref.LineEnd = p.curToken.Line
	return ref
}

func (p *Parser) parseStaticVar() Expression {
	v := &StaticVar{Token: p.curToken, Name: p.curToken.Literal}
	v.LineStart, v.LineEnd = p.curToken.Line, p.curToken.Line
	return v
}

func (p *Parser) parseButtonVar() Expression {
	v := &ButtonVar{Token: p.curToken, Name: p.curToken.Literal}
	v.LineStart, v.LineEnd = p.curToken.Line, p.curToken.Line
	return v
}

func (p *Parser) parsePrefixExpression() Expression {
	expression := &PrefixExpression{
		Token:    p.curToken,
		Operator: operatorOf(p.curToken),
	}
	expression.LineStart = p.curToken.Line

	p.nextToken()

	expression.Right = p.parseExpression(PREFIX)
	if expression.Right == nil {
		return nil
	}
	expression.LineEnd = p.curToken.Line

	return expression
}

func (p *Parser) parseInfixExpression(left Expression) Expression {
	expression := &InfixExpression{
		Token:    p.curToken,
		Left:     left,
		Operator: operatorOf(p.curToken),
	}
	expression.LineStart, _ = left.Lines()

	precedence := p.curPrecedence()
	p.nextToken()
	expression.Right = p.parseExpression(precedence)
	if expression.Right == nil {
		return nil
	}

	if precedence == COMPARE && p.peekPrecedence() == COMPARE {
		p.errorAt(p.peekToken, "chained comparison %s is not allowed, combine comparisons with AND", p.peekToken.Literal)
		return nil
	}
	expression.LineEnd = p.curToken.Line

	return expression
}

func (p *Parser) parseGroupedExpression() Expression {
	open := p.curToken
	p.nextToken()

	exp := p.parseExpression(LOWEST)
	if exp == nil {
		return nil
	}

	if !p.peekTokenIs(RPAREN) {
		p.errorAt(p.peekToken, "unmatched parenthesis opened at line %d, column %d", open.Line, open.Column)
		return nil
	}
	p.nextToken()

	return exp
}

func (p *Parser) parseCallExpression() Expression {
	exp := &CallExpression{Token: p.curToken, Function: strings.ToLower(p.curToken.Literal)}
	exp.LineStart = p.curToken.Line

	p.nextToken() // '('
	args, ok := p.parseExpressionList(RPAREN)
	if !ok {
		return nil
	}
	exp.Arguments = args
	exp.LineEnd = p.curToken.Line
	return exp
}

func (p *Parser) parseExpressionList(end TokenType) ([]Expression, bool) {
	var args []Expression

	if p.peekTokenIs(end) {
		p.nextToken()
		return args, true
	}

	p.nextToken()
	arg := p.parseExpression(LOWEST)
	if arg == nil {
		return nil, false
	}
	args = append(args, arg)

	for p.peekTokenIs(COMMA) {
		p.nextToken()
		p.nextToken()
		arg := p.parseExpression(LOWEST)
		if arg == nil {
			return nil, false
		}
		args = append(args, arg)
	}

	if !p.peekTokenIs(end) {
		p.errorAt(p.peekToken, "unmatched parenthesis in argument list, got %s", describe(p.peekToken))
		return nil, false
	}
	p.nextToken()

	return args, true
}

// ifShape describes the layout of an IF chain as seen by its outermost IF.
type ifShape struct {
	hasBlock  bool // some branch holds more than one statement
	multiline bool // some branch starts on a new line
}

// parseIf parses IF cond THEN branch [ELSE branch] [ENDIF]. A branch that
// begins on the same line as its THEN/ELSE keyword is a single statement;
// otherwise statements are collected up to ELSE, ENDIF or EOF. Chained
// ELSE IF links leave the terminator to the outermost IF.
func (p *Parser) parseIf(chained bool) (*IfExpression, ifShape) {
	expr := &IfExpression{Token: p.curToken}
	expr.LineStart = p.curToken.Line
	var shape ifShape

	p.nextToken()
	expr.Condition = p.parseExpression(LOWEST)
	if expr.Condition == nil {
		return nil, shape
	}

	if !p.peekKeyword("THEN") {
		p.errorAt(p.peekToken, "missing THEN after IF condition, got %s", describe(p.peekToken))
		return nil, shape
	}
	p.nextToken()

	cons, consShape := p.parseBranch(p.curToken)
	if cons == nil {
		return nil, shape
	}
	expr.Consequence = cons
	shape.merge(consShape)

	if p.peekKeyword("ELSE") {
		p.nextToken()
		elseTok := p.curToken

		if p.peekKeyword("IF") && p.peekToken.Line == elseTok.Line {
			p.nextToken()
			inner, innerShape := p.parseIf(true)
			if inner == nil {
				return nil, shape
			}
			alt := &ExpressionStatement{Token: inner.Token, Expression: inner}
			alt.Span = inner.Span
			expr.Alternative = alt
			shape.merge(innerShape)
		} else {
			alt, altShape := p.parseBranch(elseTok)
			if alt == nil {
				return nil, shape
			}
			expr.Alternative = alt
			shape.merge(altShape)
		}
	}

	if !chained && !p.finishIf(expr, shape) {
		return nil, shape
	}
	expr.LineEnd = p.curToken.Line

	return expr, shape
}

func (p *Parser) parseBranch(kw Token) (Statement, ifShape) {
	keywordName := strings.ToUpper(kw.Literal)
	p.nextToken()
	if p.curTokenIs(EOF) {
		p.errorAt(p.curToken, "unexpected end of input after %s", keywordName)
		return nil, ifShape{}
	}
	switch keyword(p.curToken) {
	case "THEN", "ELSE", "ENDIF":
		p.errorAt(p.curToken, "expected a statement after %s, got %s", keywordName, describe(p.curToken))
		return nil, ifShape{}
	}

	if p.curToken.Line == kw.Line {
		return p.parseStatement(), ifShape{}
	}

	p.blockDepth++
	defer func() { p.blockDepth-- }()

	block := &BlockStatement{Token: p.curToken}
	block.LineStart = p.curToken.Line
	for {
		stmt := p.parseStatement()
		if stmt == nil || p.failed() {
			return nil, ifShape{}
		}
		block.Statements = append(block.Statements, stmt)
		if p.peekTokenIs(EOF) || p.peekKeyword("ELSE") || p.peekKeyword("ENDIF") {
			break
		}
		p.nextToken()
	}
	block.LineEnd = p.curToken.Line

	if len(block.Statements) == 1 {
		return block.Statements[0], ifShape{multiline: true}
	}
	return block, ifShape{hasBlock: true, multiline: true}
}

// finishIf consumes the ENDIF terminator. It is mandatory when any branch is
// a block. An optional ENDIF on a later line after a single-line IF nested in
// a block belongs to the enclosing IF and is left alone.
func (p *Parser) finishIf(expr *IfExpression, shape ifShape) bool {
	if p.peekKeyword("ENDIF") {
		if shape.multiline || p.blockDepth == 0 || p.peekToken.Line == p.curToken.Line {
			p.nextToken()
			return true
		}
	}
	if shape.hasBlock {
		p.errorAt(p.peekToken, "missing ENDIF for block IF opened at line %d", expr.LineStart)
		return false
	}
	return true
}

func (s *ifShape) merge(other ifShape) {
	s.hasBlock = s.hasBlock || other.hasBlock
	s.multiline = s.multiline || other.multiline
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

func (p *Parser) peekKeyword(kw string) bool {
	return keyword(p.peekToken) == kw
}

// Errors returns every recorded error message.
func (p *Parser) Errors() []string {
	msgs := make([]string, 0, len(p.errors))
	for _, err := range p.errors {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

// Err returns the first syntax error, or nil.
func (p *Parser) Err() error {
	if len(p.errors) == 0 {
		return nil
	}
	return p.errors[0]
}

func (p *Parser) failed() bool {
	return len(p.errors) > 0
}

func (p *Parser) errorAt(tok Token, format string, args ...interface{}) {
	p.errors = append(p.errors, newSyntaxError(tok, format, args...))
}

func (p *Parser) noPrefixParseFnError(tok Token) {
	if tok.Type == EOF {
		p.errorAt(tok, "unexpected end of input")
		return
	}
	p.errorAt(tok, "unexpected %s", describe(tok))
}

func (p *Parser) peekPrecedence() int {
	return tokenPrecedence(p.peekToken)
}

func (p *Parser) curPrecedence() int {
	return tokenPrecedence(p.curToken)
}

func (p *Parser) registerPrefix(tokenType TokenType, fn prefixParseFn) {
	p.prefixParseFns[tokenType] = fn
}

func (p *Parser) registerInfix(tokenType TokenType, fn infixParseFn) {
	p.infixParseFns[tokenType] = fn
}

func tokenPrecedence(tok Token) int {
	if tok.Type == IDENT {
		if prec, ok := keywords[strings.ToUpper(tok.Literal)]; ok {
			return prec
		}
		return LOWEST
	}
	if prec, ok := precedences[tok.Type]; ok {
		return prec
	}
	return LOWEST
}

// keyword returns the upper-cased keyword for tok, or "" when tok is not one.
func keyword(tok Token) string {
	if tok.Type != IDENT {
		return ""
	}
	upper := strings.ToUpper(tok.Literal)
	if _, ok := keywords[upper]; ok {
		return upper
	}
	return ""
}

func operatorOf(tok Token) string {
	if kw := keyword(tok); kw != "" {
		return kw
	}
	return tok.Literal
}

func splitSignal(lit string) (kind, name string, ok bool) {
	kind, name, found := strings.Cut(lit, ":")
	if !found || kind == "" || name == "" {
		return "", "", false
	}
	return strings.ToUpper(strings.TrimSpace(kind)), strings.TrimSpace(name), true
}

func describe(tok Token) string {
	if tok.Type == EOF {
		return "end of input"
	}
	return strconv.Quote(tok.Literal)
}
