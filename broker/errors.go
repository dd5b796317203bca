// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"

	"github.com/absmach/fluxjms/protocol"
	"github.com/absmach/fluxjms/selector"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/types"
)

// replyError maps a request failure to the error carried by its reply.
func replyError(err error) error {
	if err == nil {
		return nil
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return err
	}
	var serr *selector.SyntaxError
	if errors.As(err, &serr) {
		return protocol.Errorf(protocol.CodeSelectorSyntax, "%s", err)
	}

	code := protocol.CodeInternal
	switch {
	case errors.Is(err, store.ErrStoreFull):
		code = protocol.CodeStoreFull
	case errors.Is(err, store.ErrStoreFailed):
		code = protocol.CodeStoreFailed
	case errors.Is(err, types.ErrInvalidName), errors.Is(err, types.ErrInvalidKind):
		code = protocol.CodeInvalidName
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDestinationClosed), errors.Is(err, store.ErrClosed):
		code = protocol.CodeNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrSubscriptionInUse),
		errors.Is(err, transport.ErrEndpointInUse):
		code = protocol.CodeAlreadyExists
	case errors.Is(err, ErrDestinationInUse), errors.Is(err, ErrNotTransacted),
		errors.Is(err, transport.ErrInvalidEndpoint):
		code = protocol.CodeProtocolError
	}
	return protocol.Errorf(code, "%s", err)
}
