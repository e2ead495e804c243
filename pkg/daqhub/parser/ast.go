package parser

import (
	"bytes"
	"strings"
)

type Node interface {
	TokenLiteral() string
	String() string
	Lines() (start, end int)
}

type Statement interface {
	Node
	statementNode()
}

type Expression interface {
	Node
	expressionNode()
}

// Span is the range of source lines a node covers.
type Span struct {
	LineStart int
	LineEnd   int
}

func (s Span) Lines() (int, int) { return s.LineStart, s.LineEnd }

type Program struct {
	Statements []Statement
}

func (p *Program) TokenLiteral() string {
	if len(p.Statements) > 0 {
		return p.Statements[0].TokenLiteral()
	}
	return ""
}

func (p *Program) String() string {
	var out bytes.Buffer
	for i, s := range p.Statements {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(s.String())
	}
	return out.String()
}

func (p *Program) Lines() (int, int) {
	if len(p.Statements) == 0 {
		return 0, 0
	}
	start, _ := p.Statements[0].Lines()
	_, end := p.Statements[len(p.Statements)-1].Lines()
	return start, end
}

// CountNodes reports the number of nodes in the tree, used to bound
// expression complexity.
func (p *Program) CountNodes() int {
	if p == nil {
		return 0
	}
	count := 1
	for _, s := range p.Statements {
		count += countNodes(s)
	}
	return count
}

func countNodes(n Node) int {
	switch n := n.(type) {
	case nil:
		return 0
	case *ExpressionStatement:
		return 1 + countNodes(n.Expression)
	case *AssignStatement:
		return 1 + countNodes(n.Value)
	case *BlockStatement:
		count := 1
		for _, s := range n.Statements {
			count += countNodes(s)
		}
		return count
	case *PrefixExpression:
		return 1 + countNodes(n.Right)
	case *InfixExpression:
		return 1 + countNodes(n.Left) + countNodes(n.Right)
	case *CallExpression:
		count := 1
		for _, a := range n.Arguments {
			count += countNodes(a)
		}
		return count
	case *IfExpression:
		count := 1 + countNodes(n.Condition) + countNodes(n.Consequence)
		if n.Alternative != nil {
			count += countNodes(n.Alternative)
		}
		return count
	default:
		return 1
	}
}

type BlockStatement struct {
	Span
	Token      Token // first token of the block
	Statements []Statement
}

func (bs *BlockStatement) statementNode()       {}
func (bs *BlockStatement) TokenLiteral() string { return bs.Token.Literal }
func (bs *BlockStatement) String() string {
	parts := make([]string, 0, len(bs.Statements))
	for _, s := range bs.Statements {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "\n")
}

type ExpressionStatement struct {
	Span
	Token      Token // the first token of the expression
	Expression Expression
}

func (es *ExpressionStatement) statementNode()       {}
func (es *ExpressionStatement) TokenLiteral() string { return es.Token.Literal }
func (es *ExpressionStatement) String() string {
	if es.Expression != nil {
		return es.Expression.String()
	}
	return ""
}

type AssignTarget int

const (
	LocalTarget AssignTarget = iota
	StaticTarget
	DigitalOutTarget
	AnalogOutTarget
)

type AssignStatement struct {
	Span
	Token  Token // the target token
	Target AssignTarget
	Name   string
	Value  Expression
}

func (as *AssignStatement) statementNode()       {}
func (as *AssignStatement) TokenLiteral() string { return as.Token.Literal }
func (as *AssignStatement) String() string {
	var out bytes.Buffer
	switch as.Target {
	case StaticTarget:
		out.WriteString(staticPrefix + "." + as.Name)
	case DigitalOutTarget:
		out.WriteString(`"DO:` + as.Name + `"`)
	case AnalogOutTarget:
		out.WriteString(`"AO:` + as.Name + `"`)
	default:
		out.WriteString(as.Name)
	}
	out.WriteString(" = ")
	if as.Value != nil {
		out.WriteString(as.Value.String())
	}
	return out.String()
}

type Identifier struct {
	Span
	Token Token // the token.IDENT token
	Value string
}

func (i *Identifier) expressionNode()      {}
func (i *Identifier) TokenLiteral() string { return i.Token.Literal }
func (i *Identifier) String() string       { return i.Value }

type NumberLiteral struct {
	Span
	Token Token
	Value float64
}

func (nl *NumberLiteral) expressionNode()      {}
func (nl *NumberLiteral) TokenLiteral() string { return nl.Token.Literal }
func (nl *NumberLiteral) String() string       { return nl.Token.Literal }

// SignalRef is a quoted "TYPE:Name" reference with an optional .PROP suffix.
// Kind and Prop are upper-cased.
type SignalRef struct {
	Span
	Token Token
	Kind  string
	Name  string
	Prop  string
}

func (sr *SignalRef) expressionNode()      {}
func (sr *SignalRef) TokenLiteral() string { return sr.Token.Literal }
func (sr *SignalRef) String() string {
	s := `"` + sr.Kind + ":" + sr.Name + `"`
	if sr.Prop != "" {
		s += "." + sr.Prop
	}
	return s
}

type StaticVar struct {
	Span
	Token Token
	Name  string
}

func (sv *StaticVar) expressionNode()      {}
func (sv *StaticVar) TokenLiteral() string { return sv.Token.Literal }
func (sv *StaticVar) String() string       { return staticPrefix + "." + sv.Name }

type ButtonVar struct {
	Span
	Token Token
	Name  string
}

func (bv *ButtonVar) expressionNode()      {}
func (bv *ButtonVar) TokenLiteral() string { return bv.Token.Literal }
func (bv *ButtonVar) String() string       { return buttonPrefix + "." + bv.Name }

type InfixExpression struct {
	Span
	Token    Token // the operator token, e.g. +, -, *, /, ==, AND
	Left     Expression
	Operator string
	Right    Expression
}

func (oe *InfixExpression) expressionNode()      {}
func (oe *InfixExpression) TokenLiteral() string { return oe.Token.Literal }
func (oe *InfixExpression) String() string {
	var out bytes.Buffer
	out.WriteString("(")
	if oe.Left != nil {
		out.WriteString(oe.Left.String())
	}
	out.WriteString(" " + oe.Operator + " ")
	if oe.Right != nil {
		out.WriteString(oe.Right.String())
	}
	out.WriteString(")")
	return out.String()
}

type PrefixExpression struct {
	Span
	Token    Token // the prefix token, - or NOT
	Operator string
	Right    Expression
}

func (pe *PrefixExpression) expressionNode()      {}
func (pe *PrefixExpression) TokenLiteral() string { return pe.Token.Literal }
func (pe *PrefixExpression) String() string {
	var out bytes.Buffer
	out.WriteString("(")
	out.WriteString(pe.Operator)
	if pe.Operator == "NOT" {
		out.WriteString(" ")
	}
	if pe.Right != nil {
		out.WriteString(pe.Right.String())
	}
	out.WriteString(")")
	return out.String()
}

type CallExpression struct {
	Span
	Token     Token // the function name token
	Function  string
	Arguments []Expression
}

func (ce *CallExpression) expressionNode()      {}
func (ce *CallExpression) TokenLiteral() string { return ce.Token.Literal }
func (ce *CallExpression) String() string {
	args := make([]string, 0, len(ce.Arguments))
	for _, a := range ce.Arguments {
		args = append(args, a.String())
	}
	return ce.Function + "(" + strings.Join(args, ", ") + ")"
}

// IfExpression covers both the inline and the block form. A branch is either
// a single statement or a *BlockStatement. Alternative is nil without ELSE.
type IfExpression struct {
	Span
	Token       Token // the IF token
	Condition   Expression
	Consequence Statement
	Alternative Statement
}

func (ie *IfExpression) expressionNode()      {}
func (ie *IfExpression) TokenLiteral() string { return ie.Token.Literal }
func (ie *IfExpression) String() string {
	var out bytes.Buffer
	out.WriteString("IF ")
	if ie.Condition != nil {
		out.WriteString(ie.Condition.String())
	}
	out.WriteString(" THEN ")
	if ie.Consequence != nil {
		out.WriteString(ie.Consequence.String())
	}
	if ie.Alternative != nil {
		out.WriteString(" ELSE ")
		out.WriteString(ie.Alternative.String())
	}
	return out.String()
}
