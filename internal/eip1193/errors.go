package eip1193

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

const (
	CodeUserRejected        = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeResourceUnavailable = -32002
	CodeInternal            = -32603
)

// RPCError is the error object carried by provider responses.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RPCError) Error() string {
	return e.Message
}

func (e *RPCError) ErrorCode() int {
	return e.Code
}

func (e *RPCError) ErrorData() any {
	return e.Data
}

// AsRPCError converts err into an RPCError, keeping the code and data of
// JSON-RPC errors returned by upstream nodes.
func AsRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var coded rpc.Error
	if errors.As(err, &coded) {
		out := &RPCError{Code: coded.ErrorCode(), Message: err.Error()}
		var withData rpc.DataError
		if errors.As(err, &withData) {
			out.Data = withData.ErrorData()
		}
		return out
	}

	return &RPCError{Code: CodeInternal, Message: err.Error()}
}
