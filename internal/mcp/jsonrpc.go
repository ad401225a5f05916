package mcp

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// JSON-RPC 2.0 framing per https://www.jsonrpc.org/specification

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is a JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the error object carried by a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Notification is a request without an ID; no response is expected.
type Notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// requestIDs hands out unique string IDs for in-flight calls.
type requestIDs struct {
	counter atomic.Int64
}

func (g *requestIDs) next() string {
	return fmt.Sprintf("%d", g.counter.Add(1))
}

func newRequest(id any, method string, params map[string]any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

func newNotification(method string, params map[string]any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// NewResponse builds a success response frame. Exposed for fake servers in
// tests.
func NewResponse(id any, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// DecodeResponse parses and validates one response frame.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "failed to parse JSON-RPC response", Data: err.Error()}
	}
	if resp.JSONRPC != jsonrpcVersion {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: %q", resp.JSONRPC)}
	}
	return &resp, nil
}

// DecodeRequest parses and validates one request frame. Fake servers use it
// to interpret what the client sent.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "failed to parse JSON-RPC request", Data: err.Error()}
	}
	if req.JSONRPC != jsonrpcVersion {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: %q", req.JSONRPC)}
	}
	return &req, nil
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool { return r.Error != nil }
