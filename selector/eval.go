// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"regexp"

	"github.com/absmach/fluxjms/types"
)

// Header identifiers resolved from message metadata instead of properties.
const (
	HeaderPriority     = "JMSPriority"
	HeaderTimestamp    = "JMSTimestamp"
	HeaderMessageID    = "JMSMessageID"
	HeaderDeliveryMode = "JMSDeliveryMode"
	HeaderRedelivered  = "JMSRedelivered"

	DeliveryPersistent    = "PERSISTENT"
	DeliveryNonPersistent = "NON_PERSISTENT"
)

// node is an immutable expression tree node. eval returns the null Value for
// UNKNOWN.
type node interface {
	eval(msg *types.Message) types.Value
}

var unknown = types.Value{}

type literal struct {
	v types.Value
}

func (n literal) eval(*types.Message) types.Value { return n.v }

type ident struct {
	name string
}

func (n ident) eval(msg *types.Message) types.Value {
	switch n.name {
	case HeaderPriority:
		return types.Int(int64(msg.Priority))
	case HeaderTimestamp:
		return types.Int(msg.Timestamp.UnixMilli())
	case HeaderMessageID:
		return types.String(msg.MessageID)
	case HeaderDeliveryMode:
		if msg.Persistent {
			return types.String(DeliveryPersistent)
		}
		return types.String(DeliveryNonPersistent)
	case HeaderRedelivered:
		return types.Bool(msg.Redelivered > 0)
	}
	v, ok := msg.Property(n.name)
	if !ok {
		return unknown
	}
	return v
}

type not struct {
	x node
}

func (n not) eval(msg *types.Message) types.Value {
	v := n.x.eval(msg)
	if v.Kind() != types.KindBool {
		return unknown
	}
	return types.Bool(!v.Bool())
}

type and struct {
	l, r node
}

func (n and) eval(msg *types.Message) types.Value {
	l := n.l.eval(msg)
	if l.Kind() == types.KindBool && !l.Bool() {
		return types.Bool(false)
	}
	r := n.r.eval(msg)
	if r.Kind() == types.KindBool && !r.Bool() {
		return types.Bool(false)
	}
	if l.Kind() == types.KindBool && r.Kind() == types.KindBool {
		return types.Bool(true)
	}
	return unknown
}

type or struct {
	l, r node
}

func (n or) eval(msg *types.Message) types.Value {
	l := n.l.eval(msg)
	if l.Kind() == types.KindBool && l.Bool() {
		return types.Bool(true)
	}
	r := n.r.eval(msg)
	if r.Kind() == types.KindBool && r.Bool() {
		return types.Bool(true)
	}
	if l.Kind() == types.KindBool && r.Kind() == types.KindBool {
		return types.Bool(false)
	}
	return unknown
}

type compare struct {
	op   string
	l, r node
}

func (n compare) eval(msg *types.Message) types.Value {
	return compareValues(n.op, n.l.eval(msg), n.r.eval(msg))
}

func compareValues(op string, l, r types.Value) types.Value {
	switch {
	case l.IsNull() || r.IsNull():
		return unknown

	case l.IsNumeric() && r.IsNumeric():
		var c int
		if l.Kind() == types.KindInt && r.Kind() == types.KindInt {
			c = cmp(l.Int(), r.Int())
		} else {
			c = cmp(l.AsFloat(), r.AsFloat())
		}
		switch op {
		case "=":
			return types.Bool(c == 0)
		case "<>":
			return types.Bool(c != 0)
		case "<":
			return types.Bool(c < 0)
		case "<=":
			return types.Bool(c <= 0)
		case ">":
			return types.Bool(c > 0)
		case ">=":
			return types.Bool(c >= 0)
		}

	case l.Kind() == types.KindString && r.Kind() == types.KindString:
		switch op {
		case "=":
			return types.Bool(l.Str() == r.Str())
		case "<>":
			return types.Bool(l.Str() != r.Str())
		}

	case l.Kind() == types.KindBool && r.Kind() == types.KindBool:
		switch op {
		case "=":
			return types.Bool(l.Bool() == r.Bool())
		case "<>":
			return types.Bool(l.Bool() != r.Bool())
		}
	}
	return unknown
}

func cmp[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type arith struct {
	op   byte
	l, r node
}

func (n arith) eval(msg *types.Message) types.Value {
	l, r := n.l.eval(msg), n.r.eval(msg)
	if !l.IsNumeric() || !r.IsNumeric() {
		return unknown
	}
	if l.Kind() == types.KindInt && r.Kind() == types.KindInt {
		a, b := l.Int(), r.Int()
		switch n.op {
		case '+':
			return types.Int(a + b)
		case '-':
			return types.Int(a - b)
		case '*':
			return types.Int(a * b)
		case '/':
			if b == 0 {
				return unknown
			}
			return types.Int(a / b)
		}
		return unknown
	}
	a, b := l.AsFloat(), r.AsFloat()
	switch n.op {
	case '+':
		return types.Float(a + b)
	case '-':
		return types.Float(a - b)
	case '*':
		return types.Float(a * b)
	case '/':
		if b == 0 {
			return unknown
		}
		return types.Float(a / b)
	}
	return unknown
}

type negate struct {
	x node
}

func (n negate) eval(msg *types.Message) types.Value {
	v := n.x.eval(msg)
	switch v.Kind() {
	case types.KindInt:
		return types.Int(-v.Int())
	case types.KindFloat:
		return types.Float(-v.Float())
	}
	return unknown
}

type between struct {
	x, lo, hi node
	negated   bool
}

func (n between) eval(msg *types.Message) types.Value {
	v := n.x.eval(msg)
	res := and{
		l: literal{compareValues(">=", v, n.lo.eval(msg))},
		r: literal{compareValues("<=", v, n.hi.eval(msg))},
	}.eval(msg)
	if n.negated {
		return not{literal{res}}.eval(msg)
	}
	return res
}

type in struct {
	x       node
	set     map[string]struct{}
	negated bool
}

func (n in) eval(msg *types.Message) types.Value {
	v := n.x.eval(msg)
	if v.Kind() != types.KindString {
		return unknown
	}
	_, ok := n.set[v.Str()]
	return types.Bool(ok != n.negated)
}

type like struct {
	x       node
	re      *regexp.Regexp
	negated bool
}

func (n like) eval(msg *types.Message) types.Value {
	v := n.x.eval(msg)
	if v.Kind() != types.KindString {
		return unknown
	}
	return types.Bool(n.re.MatchString(v.Str()) != n.negated)
}

type isNull struct {
	x       node
	negated bool
}

func (n isNull) eval(msg *types.Message) types.Value {
	return types.Bool(n.x.eval(msg).IsNull() != n.negated)
}
