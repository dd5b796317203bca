// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/absmach/fluxjms/types"
)

// parser is a recursive descent parser. Precedence from lowest:
// OR, AND, NOT, comparison, additive, multiplicative, unary.
type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errorf(p.peek(), "expected %s, found %s", kw, describe(p.peek()))
	}
	p.advance()
	return nil
}

func (p *parser) expectOp(op string) error {
	if !p.isOp(op) {
		return p.errorf(p.peek(), "expected %q, found %s", op, describe(p.peek()))
	}
	p.advance()
	return nil
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func (p *parser) parse() (node, error) {
	start := p.peek()
	n, err := p.orExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", describe(t))
	}
	if !boolean(n) {
		return nil, p.errorf(start, "selector is not a boolean expression")
	}
	return n, nil
}

// boolean reports whether n can produce a boolean. Identifiers qualify since
// a property may hold one.
func boolean(n node) bool {
	switch x := n.(type) {
	case literal:
		return x.v.Kind() == types.KindBool
	case arith, negate:
		return false
	}
	return true
}

func (p *parser) orExpr() (node, error) {
	l, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		t := p.advance()
		r, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		if !boolean(l) || !boolean(r) {
			return nil, p.errorf(t, "OR requires boolean operands")
		}
		l = or{l: l, r: r}
	}
	return l, nil
}

func (p *parser) andExpr() (node, error) {
	l, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		t := p.advance()
		r, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		if !boolean(l) || !boolean(r) {
			return nil, p.errorf(t, "AND requires boolean operands")
		}
		l = and{l: l, r: r}
	}
	return l, nil
}

func (p *parser) notExpr() (node, error) {
	if p.isKeyword("NOT") {
		t := p.advance()
		x, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		if !boolean(x) {
			return nil, p.errorf(t, "NOT requires a boolean operand")
		}
		return not{x: x}, nil
	}
	return p.predicate()
}

func (p *parser) predicate() (node, error) {
	l, err := p.additive()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "=", "<>", "<", "<=", ">", ">=":
			p.advance()
			r, err := p.additive()
			if err != nil {
				return nil, err
			}
			return compare{op: t.text, l: l, r: r}, nil
		}
	}

	if p.isKeyword("IS") {
		p.advance()
		negated := false
		if p.isKeyword("NOT") {
			p.advance()
			negated = true
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		if _, ok := l.(ident); !ok {
			return nil, p.errorf(t, "IS NULL requires an identifier")
		}
		return isNull{x: l, negated: negated}, nil
	}

	negated := false
	if p.isKeyword("NOT") {
		p.advance()
		negated = true
	}
	switch {
	case p.isKeyword("BETWEEN"):
		p.advance()
		lo, err := p.additive()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.additive()
		if err != nil {
			return nil, err
		}
		return between{x: l, lo: lo, hi: hi, negated: negated}, nil

	case p.isKeyword("IN"):
		kw := p.advance()
		if _, ok := l.(ident); !ok {
			return nil, p.errorf(kw, "IN requires an identifier")
		}
		set, err := p.stringList()
		if err != nil {
			return nil, err
		}
		return in{x: l, set: set, negated: negated}, nil

	case p.isKeyword("LIKE"):
		kw := p.advance()
		if _, ok := l.(ident); !ok {
			return nil, p.errorf(kw, "LIKE requires an identifier")
		}
		re, err := p.likePattern()
		if err != nil {
			return nil, err
		}
		return like{x: l, re: re, negated: negated}, nil
	}

	if negated {
		return nil, p.errorf(p.peek(), "expected BETWEEN, IN or LIKE after NOT, found %s", describe(p.peek()))
	}
	return l, nil
}

func (p *parser) stringList() (map[string]struct{}, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for {
		t := p.advance()
		if t.kind != tokString {
			return nil, p.errorf(t, "IN list expects string literals, found %s", describe(t))
		}
		set[t.text] = struct{}{}
		if p.isOp(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return set, nil
}

func (p *parser) likePattern() (*regexp.Regexp, error) {
	pt := p.advance()
	if pt.kind != tokString {
		return nil, p.errorf(pt, "LIKE expects a string pattern, found %s", describe(pt))
	}
	var escape rune = -1
	if p.isKeyword("ESCAPE") {
		p.advance()
		et := p.advance()
		if et.kind != tokString || len([]rune(et.text)) != 1 {
			return nil, p.errorf(et, "ESCAPE expects a single character string")
		}
		escape = []rune(et.text)[0]
	}
	re, err := likeRegexp(pt.text, escape)
	if err != nil {
		return nil, p.errorf(pt, "%s", err)
	}
	return re, nil
}

// likeRegexp translates a LIKE pattern: '_' is any one character and '%' any
// run of characters; escape makes the next wildcard literal.
func likeRegexp(pattern string, escape rune) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`^(?s:`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == escape:
			i++
			if i >= len(runes) {
				return nil, errors.New("pattern ends with escape character")
			}
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`)$`)
	return regexp.Compile(b.String())
}

func (p *parser) additive() (node, error) {
	l, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.advance().text[0]
		r, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		l = arith{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) multiplicative() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") {
		op := p.advance().text[0]
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = arith{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	switch {
	case p.isOp("-"):
		p.advance()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		// Fold negative literals so they keep literal semantics.
		if lit, ok := x.(literal); ok {
			switch lit.v.Kind() {
			case types.KindInt:
				return literal{types.Int(-lit.v.Int())}, nil
			case types.KindFloat:
				return literal{types.Float(-lit.v.Float())}, nil
			}
		}
		return negate{x: x}, nil
	case p.isOp("+"):
		p.advance()
		return p.unary()
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.advance()
	switch t.kind {
	case tokIdent:
		return ident{name: t.text}, nil
	case tokString:
		return literal{types.String(t.text)}, nil
	case tokInt:
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid integer %s", t.text)
		}
		return literal{types.Int(i)}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %s", t.text)
		}
		return literal{types.Float(f)}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return literal{types.Bool(true)}, nil
		case "FALSE":
			return literal{types.Bool(false)}, nil
		}
	case tokOp:
		if t.text == "(" {
			n, err := p.orExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}
