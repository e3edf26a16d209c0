package rpcserver

import (
	"errors"

	"github.com/powerman/rpc-codec/jsonrpc2"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// Distinguished JSON-RPC error codes for the domain errors a caller
// needs to tell apart from an opaque failure. Codes below -32000 are
// reserved for application use by the JSON-RPC 2.0 spec.
const (
	codeHostNotCreated = -32001
	codeNotFound       = -32002
	codeRetry          = -32003
)

// codeError translates a dispatch/hostregistry error into a
// jsonrpc2.Error carrying a distinguished code, so RPC clients can
// branch on err.Code instead of string-matching a message. Errors with
// no distinguished mapping pass through unchanged, the codec assigns
// them the generic -32000.
//
// A *xenvmtypes.FatalError never gets a distinguished code here: it
// means the daemon's single-writer invariant is no longer safe, and
// cmd/xenvmd's run loop is already tearing the process down via
// Dispatcher.FatalCh by the time any in-flight RPC response would be
// written. Mapping it to an ordinary RPC error would let a caller
// mistake a fatal condition for something retryable.
func codeError(err error) error {
	if err == nil {
		return nil
	}
	var fatal *xenvmtypes.FatalError
	switch {
	case errors.As(err, &fatal):
		return err
	case errors.Is(err, xenvmtypes.ErrHostNotCreated):
		return jsonrpc2.NewError(codeHostNotCreated, err.Error())
	case errors.Is(err, xenvmtypes.ErrNotFound):
		return jsonrpc2.NewError(codeNotFound, err.Error())
	case errors.Is(err, xenvmtypes.ErrRetry):
		return jsonrpc2.NewError(codeRetry, err.Error())
	default:
		return err
	}
}
