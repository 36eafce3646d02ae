package guard

import "fmt"

// AST node kinds. The grammar has no function calls, loops, or assignment;
// anything outside property access, indexing, comparison, and boolean
// connectives is a parse error.
type node interface{ isNode() }

type literalNode struct{ value any } // float64, string, bool, nil, undefined

type identNode struct{ name string }

type memberNode struct {
	object   node
	property string
}

type indexNode struct {
	object node
	index  node
}

type unaryNode struct {
	op      tokenKind // tokNot
	operand node
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (literalNode) isNode() {}
func (identNode) isNode()   {}
func (memberNode) isNode()  {}
func (indexNode) isNode()   {}
func (unaryNode) isNode()   {}
func (binaryNode) isNode()  {}

type parser struct {
	tokens []token
	pos    int
}

// Parse validates and compiles an expression of the guard grammar.
func Parse(input string) (*Expr, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("guard: position %d: unexpected trailing input", p.peek().pos)
	}
	return &Expr{source: input, root: root}, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokStrictEq || p.peek().kind == tokStrictNeq {
		op := p.next().kind
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseRelational() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		k := p.peek().kind
		if k != tokLt && k != tokLte && k != tokGt && k != tokGte {
			return left, nil
		}
		op := p.next().kind
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: tokNot, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			prop := p.next()
			// Keywords are fine as property names (outputs.null would be odd
			// but harmless); only a bare identifier-shaped token is accepted.
			if prop.kind != tokIdent && prop.kind != tokTrue && prop.kind != tokFalse &&
				prop.kind != tokNull && prop.kind != tokUndefined {
				return nil, fmt.Errorf("guard: position %d: expected property name after '.'", prop.pos)
			}
			base = memberNode{object: base, property: prop.text}
		case tokLBracket:
			p.next()
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if closing := p.next(); closing.kind != tokRBracket {
				return nil, fmt.Errorf("guard: position %d: expected ']'", closing.pos)
			}
			base = indexNode{object: base, index: index}
		default:
			return base, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalNode{value: t.num}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokTrue:
		return literalNode{value: true}, nil
	case tokFalse:
		return literalNode{value: false}, nil
	case tokNull:
		return literalNode{value: nil}, nil
	case tokUndefined:
		return literalNode{value: Undefined}, nil
	case tokIdent:
		return identNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("guard: position %d: expected ')'", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("guard: position %d: unexpected end of expression", t.pos)
	default:
		return nil, fmt.Errorf("guard: position %d: unexpected token", t.pos)
	}
}
