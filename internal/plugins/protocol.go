package plugins

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/e2ekit/pkg/schema"
)

// ProtocolVersion is sent in initialize; plugins may reject unknown versions.
const ProtocolVersion = "e2ekit-handlers/1"

// Methods of the handler plugin protocol.
const (
	MethodInitialize = "initialize"
	MethodList       = "handlers/list"
	MethodCall       = "handlers/call"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("plugin error %d: %s", e.Code, e.Message) }

// InitializeParams is sent first.
type InitializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	Client          string `json:"client"`
}

// InitializeResult names the plugin.
type InitializeResult struct {
	Name string `json:"name"`
}

// ListResult is the handlers/list reply.
type ListResult struct {
	Handlers []string `json:"handlers"`
}

// CallParams asks the plugin to delete one resource.
type CallParams struct {
	Name     string                 `json:"name"`
	Resource schema.TrackedResource `json:"resource"`
}

// CallResult is the handlers/call reply. OK false with Message is a failure.
type CallResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
