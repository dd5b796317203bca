// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Code is a reply status.
type Code uint8

const (
	CodeOK Code = iota
	CodeStoreFull
	CodeNotFound
	CodeInvalidName
	CodeSelectorSyntax
	CodeProtocolError
	CodeAlreadyExists
	CodeStoreFailed
	CodeThrottled
	CodeInternal
)

var codeNames = [...]string{
	CodeOK:             "ok",
	CodeStoreFull:      "store full",
	CodeNotFound:       "not found",
	CodeInvalidName:    "invalid name",
	CodeSelectorSyntax: "selector syntax",
	CodeProtocolError:  "protocol error",
	CodeAlreadyExists:  "already exists",
	CodeStoreFailed:    "store failed",
	CodeThrottled:      "throttled",
	CodeInternal:       "internal error",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Recoverable reports whether the request may succeed when retried.
func (c Code) Recoverable() bool {
	return c == CodeStoreFull || c == CodeThrottled
}

// Error is a non-OK reply. Errors compare equal by code, so
// errors.Is(err, ErrStoreFull) holds for any store-full reply.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrStoreFull      = &Error{Code: CodeStoreFull}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrInvalidName    = &Error{Code: CodeInvalidName}
	ErrSelectorSyntax = &Error{Code: CodeSelectorSyntax}
	ErrProtocol       = &Error{Code: CodeProtocolError}
	ErrAlreadyExists  = &Error{Code: CodeAlreadyExists}
	ErrStoreFailed    = &Error{Code: CodeStoreFailed}
	ErrThrottled      = &Error{Code: CodeThrottled}
	ErrInternal       = &Error{Code: CodeInternal}
)

// Errorf returns an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err: CodeOK for nil, CodeInternal for
// errors that are not protocol errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
