package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled rule expression.
type Expr interface {
	eval(r resolver) bool
}

type resolver interface {
	resolve(field string) (interface{}, bool)
}

type logicalExpr struct {
	and         bool
	left, right Expr
}

type notExpr struct{ inner Expr }

// compareExpr is `field op literal` or `field in [literals]`.
type compareExpr struct {
	field string
	op    string
	value interface{}   // string | float64 | bool
	list  []interface{} // for "in"
	re    *regexp.Regexp
}

// -----------------------------------------------------------------------
// Lexer
// -----------------------------------------------------------------------

type tokKind int

const (
	tkIdent tokKind = iota
	tkOp
	tkString
	tkNumber
	tkBool
	tkLParen
	tkRParen
	tkLBrack
	tkRBrack
	tkComma
	tkEOF
)

type tok struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]tok, error) {
	var out []tok
	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case strings.IndexByte("()[],", ch) >= 0:
			kind := map[byte]tokKind{'(': tkLParen, ')': tkRParen, '[': tkLBrack, ']': tkRBrack, ',': tkComma}[ch]
			out = append(out, tok{kind, string(ch), i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				out = append(out, tok{tkOp, src[i : i+2], i})
				i += 2
				continue
			}
			if ch == '=' || ch == '!' {
				return nil, fmt.Errorf("unexpected %q at position %d", ch, i)
			}
			out = append(out, tok{tkOp, string(ch), i})
			i++
		case ch == '"' || ch == '\'':
			var sb strings.Builder
			j := i + 1
			for ; j < len(src) && src[j] != ch; j++ {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			out = append(out, tok{tkString, sb.String(), i})
			i = j + 1
		case unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			out = append(out, tok{tkNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			word := src[i:j]
			if w := strings.ToLower(word); w == "true" || w == "false" {
				out = append(out, tok{tkBool, w, i})
			} else {
				out = append(out, tok{tkIdent, word, i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return append(out, tok{tkEOF, "", len(src)}), nil
}

// -----------------------------------------------------------------------
// Parser
//
//	expr    = and { "OR" and }
//	and     = unary { "AND" unary }
//	unary   = "NOT" unary | "(" expr ")" | compare
//	compare = field op literal | field "in" "[" literal { "," literal } "]"
// -----------------------------------------------------------------------

type parser struct {
	toks []tok
	pos  int
}

func (p *parser) peek() tok { return p.toks[p.pos] }

func (p *parser) next() tok {
	t := p.toks[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tkIdent && strings.EqualFold(t.text, kw)
}

// Parse compiles a rule expression.
func Parse(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tkEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return e, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("NOT") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	if p.peek().kind == tkLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tkRParen {
			return nil, fmt.Errorf("expected ) at position %d, got %q", t.pos, t.text)
		}
		return inner, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (Expr, error) {
	f := p.next()
	if f.kind != tkIdent {
		return nil, fmt.Errorf("expected field name at position %d, got %q", f.pos, f.text)
	}
	c := &compareExpr{field: f.text}

	op := p.next()
	switch {
	case op.kind == tkOp:
		c.op = op.text
	case op.kind == tkIdent && (strings.EqualFold(op.text, "contains") || strings.EqualFold(op.text, "matches") || strings.EqualFold(op.text, "in")):
		c.op = strings.ToLower(op.text)
	default:
		return nil, fmt.Errorf("expected operator after %s at position %d, got %q", f.text, op.pos, op.text)
	}

	if c.op == "in" {
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		c.list = list
		return c, nil
	}

	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	c.value = v
	switch c.op {
	case ">", ">=", "<", "<=":
		if _, ok := v.(float64); !ok {
			return nil, fmt.Errorf("operator %s on %s needs a number", c.op, c.field)
		}
	case "matches":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("matches on %s needs a string pattern", c.field)
		}
		if c.re, err = regexp.Compile(s); err != nil {
			return nil, fmt.Errorf("matches on %s: %w", c.field, err)
		}
	}
	return c, nil
}

func (p *parser) parseList() ([]interface{}, error) {
	if t := p.next(); t.kind != tkLBrack {
		return nil, fmt.Errorf("expected [ at position %d, got %q", t.pos, t.text)
	}
	var out []interface{}
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		t := p.next()
		if t.kind == tkRBrack {
			return out, nil
		}
		if t.kind != tkComma {
			return nil, fmt.Errorf("expected , or ] at position %d, got %q", t.pos, t.text)
		}
	}
}

func (p *parser) parseLiteral() (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tkString:
		return t.text, nil
	case tkNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return f, nil
	case tkBool:
		return t.text == "true", nil
	}
	return nil, fmt.Errorf("expected literal at position %d, got %q", t.pos, t.text)
}
