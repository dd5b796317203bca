// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package selector compiles and evaluates message selectors: boolean
// expressions over message properties and headers in the SQL-92 conditional
// subset used by JMS.
//
// Evaluation uses three-valued logic. A missing property is UNKNOWN, and a
// message matches only when the whole expression is TRUE.
package selector

import (
	"fmt"

	"github.com/absmach/fluxjms/types"
)

// SyntaxError reports a malformed selector.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("selector syntax error at position %d: %s", e.Pos, e.Msg)
}

// Selector is a compiled selector. It is immutable and safe for concurrent use.
type Selector struct {
	expr string
	root node
}

// Compile parses expr. An empty or blank expression matches every message.
func Compile(expr string) (*Selector, error) {
	lx := &lexer{src: expr}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		return &Selector{expr: expr}, nil
	}

	p := &parser{src: expr, toks: toks}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Selector{expr: expr, root: root}, nil
}

// MustCompile is Compile that panics on error, for static selectors.
func MustCompile(expr string) *Selector {
	s, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches reports whether msg satisfies the selector. A nil selector matches
// everything.
func (s *Selector) Matches(msg *types.Message) bool {
	if s == nil || s.root == nil {
		return true
	}
	v := s.root.eval(msg)
	return v.Kind() == types.KindBool && v.Bool()
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}
