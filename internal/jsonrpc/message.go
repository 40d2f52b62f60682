package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	wire "github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = int64(wire.CodeParseError)
	InvalidRequest = int64(wire.CodeInvalidRequest)
	MethodNotFound = int64(wire.CodeMethodNotFound)
	InvalidParams  = int64(wire.CodeInvalidParams)
	InternalError  = int64(wire.CodeInternalError)
)

// Error is the error member of a response.
type Error = wire.Error

var (
	// ErrTransportClosed rejects requests that were pending when the transport went away.
	ErrTransportClosed = errors.New("jsonrpc: transport closed")
	// ErrMethodNotFound may be returned by a Handler for methods it does not serve.
	ErrMethodNotFound = &Error{Code: MethodNotFound, Message: "method not found"}
)

// makeID converts a local request number into a wire id. Decoded numeric ids
// come back through the same path, so the two compare equal.
func makeID(n int64) wire.ID {
	id, _ := wire.MakeID(float64(n))
	return id
}

func isNotification(id wire.ID) bool {
	return id == wire.ID{}
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

// toError converts an error into a response error member.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: InternalError, Message: err.Error()}
}
