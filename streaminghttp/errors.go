package streaminghttp

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

var (
	ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")

	// errInvalidParams marks request params that failed to decode.
	errInvalidParams = errors.New("invalid params")
)

const internalErrorMessage = "Internal error"

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

func methodNotFound(method string) error {
	return jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

// rpcError maps a dispatch error onto the JSON-RPC error returned to the
// caller. Internal errors only reveal their text in dev mode.
func rpcError(err error, devMode bool) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var verr *tools.ValidationError
	switch {
	case errors.As(err, &verr):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("Invalid arguments for tool %s: %v", verr.Tool, verr.Err), nil)
	case errors.Is(err, tools.ErrToolNotFound):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, capitalize(err.Error()), nil)
	case errors.Is(err, auth.ErrInsufficientScope):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "Insufficient permissions: "+err.Error(), nil)
	case errors.Is(err, errInvalidParams):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, capitalize(err.Error()), nil)
	}

	if devMode {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, internalErrorMessage, nil)
}

// payloadError maps a jsonrpc.ParsePayload failure onto the error carried by
// the 400 response.
func payloadError(err error) *jsonrpc.Error {
	if errors.Is(err, jsonrpc.ErrParse) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeParseError, "Parse error", err.Error())
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", err.Error())
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
