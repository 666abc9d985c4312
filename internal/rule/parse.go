package rule

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp     // == != < <= > >= + - * / %
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) lex() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
			start := l.pos
			for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
				l.pos++
			}
			l.emit(tokNumber, l.src[start:l.pos], start)
		case c == '\'' || c == '"':
			start := l.pos
			l.pos++
			for l.pos < len(l.src) && l.src[l.pos] != c {
				l.pos++
			}
			if l.pos >= len(l.src) {
				return fmt.Errorf("rule: unterminated string at %d", start)
			}
			l.emit(tokString, l.src[start+1:l.pos], start)
			l.pos++
		case isIdentStart(rune(c)):
			start := l.pos
			for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
				l.pos++
			}
			l.emit(tokIdent, l.src[start:l.pos], start)
		case c == '(':
			l.emit(tokLParen, "(", l.pos)
			l.pos++
		case c == ')':
			l.emit(tokRParen, ")", l.pos)
			l.pos++
		case c == '[':
			l.emit(tokLBracket, "[", l.pos)
			l.pos++
		case c == ']':
			l.emit(tokRBracket, "]", l.pos)
			l.pos++
		case c == ',':
			l.emit(tokComma, ",", l.pos)
			l.pos++
		case strings.ContainsRune("=!<>+-*/%", rune(c)):
			start := l.pos
			l.pos++
			if l.pos < len(l.src) && l.src[l.pos] == '=' {
				l.pos++
			}
			op := l.src[start:l.pos]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=", "+", "-", "*", "/", "%", "=":
				if op == "=" {
					op = "==" // tolerate single '=' as equality
				}
				l.emit(tokOp, op, start)
			default:
				return fmt.Errorf("rule: unexpected operator %q at %d", op, start)
			}
		default:
			return fmt.Errorf("rule: unexpected character %q at %d", c, l.pos)
		}
	}
	l.emit(tokEOF, "", l.pos)
	return nil
}

func (l *lexer) emit(kind tokenKind, text string, pos int) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, pos: pos})
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r) }

// parser is a recursive-descent parser with the usual precedence ladder:
// or < and < not < comparison/membership < additive < multiplicative < unary.
type parser struct {
	lexer *lexer
	idx   int
}

func (p *parser) parse() (node, error) {
	if err := p.lexer.lex(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("rule: unexpected %q at %d", tok.text, tok.pos)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.lexer.tokens[p.idx] }

func (p *parser) next() token {
	tok := p.lexer.tokens[p.idx]
	if tok.kind != tokEOF {
		p.idx++
	}
	return tok
}

func (p *parser) keyword(word string) bool {
	tok := p.peek()
	if tok.kind == tokIdent && strings.EqualFold(tok.text, word) {
		p.next()
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	switch {
	case tok.kind == tokOp && isComparisonOp(tok.text):
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: tok.text, left: left, right: right}, nil
	case tok.kind == tokIdent && strings.EqualFold(tok.text, "in"):
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &membershipNode{left: left, right: right}, nil
	case tok.kind == tokIdent && strings.EqualFold(tok.text, "not"):
		// "not in" only; a bare trailing "not" is a syntax error.
		p.next()
		if !p.keyword("in") {
			return nil, fmt.Errorf("rule: expected 'in' after 'not' at %d", tok.pos)
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: &membershipNode{left: left, right: right}}, nil
	}
	return left, nil
}

func isComparisonOp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &arithmeticNode{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "*" && tok.text != "/" && tok.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithmeticNode{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if tok := p.peek(); tok.kind == tokOp && tok.text == "-" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negateNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("rule: bad number %q at %d", tok.text, tok.pos)
		}
		return &literalNode{value: v}, nil
	case tokString:
		return &literalNode{value: tok.text}, nil
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "none", "nil":
			return &literalNode{value: nil}, nil
		}
		return &identNode{name: tok.text}, nil
	case tokLParen:
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if tok := p.next(); tok.kind != tokRParen {
			return nil, fmt.Errorf("rule: expected ')' at %d", tok.pos)
		}
		return expr, nil
	case tokLBracket:
		var items []node
		if p.peek().kind != tokRBracket {
			for {
				item, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if tok := p.next(); tok.kind != tokRBracket {
			return nil, fmt.Errorf("rule: expected ']' at %d", tok.pos)
		}
		return &listNode{items: items}, nil
	default:
		return nil, fmt.Errorf("rule: unexpected %q at %d", tok.text, tok.pos)
	}
}
