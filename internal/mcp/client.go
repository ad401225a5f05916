// Package mcp implements a Model Context Protocol client over newline-framed
// JSON-RPC. Servers run as child processes speaking the protocol on stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"taskflow/internal/async"
	"taskflow/internal/logging"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

// CallTimeout bounds every request/response round trip.
const CallTimeout = 30 * time.Second

// Transport moves raw frames to and from an MCP server. The process-backed
// implementation lives in process.go; tests substitute an in-memory pipe.
type Transport interface {
	Start(ctx context.Context) error
	Write(data []byte) error
	Reader() io.Reader
	Close() error
}

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the server, returned by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities lists the optional protocol features a server supports.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult is the payload of a successful initialize call.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ToolSchema describes one tool the server exposes.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the content returned by tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "resource"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Flatten joins the result's content blocks into a single string suitable for
// feeding back to a model. Image blocks become data URLs so downstream macro
// handling can spill them to disk.
func (r *ToolCallResult) Flatten() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		switch block.Type {
		case "image":
			if block.Data != "" {
				mime := block.MimeType
				if mime == "" {
					mime = "image/png"
				}
				parts = append(parts, fmt.Sprintf("data:%s;base64,%s", mime, block.Data))
			}
		default:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Client drives one MCP server connection.
type Client struct {
	serverName   string
	transport    Transport
	ids          requestIDs
	pending      map[any]chan *Response
	mu           sync.RWMutex
	logger       logging.Logger
	initialized  bool
	serverInfo   *ServerInfo
	capabilities *ServerCapabilities
}

// NewClient wraps a transport. Start must be called before any RPC.
func NewClient(serverName string, transport Transport) *Client {
	return &Client{
		serverName: serverName,
		transport:  transport,
		pending:    make(map[any]chan *Response),
		logger:     logging.NewComponentLogger(fmt.Sprintf("mcp[%s]", serverName)),
	}
}

// Start launches the transport, begins routing responses, and performs the
// initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting MCP client for %s", c.serverName)

	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	async.Go(c.logger, "mcp.readLoop", c.readLoop)

	if err := c.initialize(ctx); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return nil
}

// Stop shuts the transport down; in-flight calls fail with transport errors.
func (c *Client) Stop() error {
	c.logger.Info("stopping MCP client for %s", c.serverName)
	return c.transport.Close()
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      ClientInfo{Name: "taskflow", Version: "0.1.0"},
	}

	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var init InitializeResult
	if err := decodeResult(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("protocol version mismatch: client=%s server=%s", ProtocolVersion, init.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &init.ServerInfo
	c.capabilities = &init.Capabilities
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("initialized against %s v%s", init.ServerInfo.Name, init.ServerInfo.Version)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed: %v", err)
	}
	return nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var payload struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := decodeResult(result, &payload); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	c.logger.Debug("server %s exposes %d tools", c.serverName, len(payload.Tools))
	return payload.Tools, nil
}

// CallTool executes one tool and returns its content blocks.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	params := map[string]any{"name": name, "arguments": arguments}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var out ToolCallResult
	if err := decodeResult(result, &out); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &out, nil
}

// call sends one request frame and blocks for its response, the context, or
// the call timeout, whichever fires first.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := c.ids.next()
	data, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("-> %s id=%v", method, id)
	if err := c.transport.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-time.After(CallTimeout):
		return nil, fmt.Errorf("request timeout after %s", CallTimeout)
	}
}

func (c *Client) notify(method string, params map[string]any) error {
	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.transport.Write(append(data, '\n'))
}

// readLoop routes incoming response frames to their pending calls. It exits
// when the transport's reader closes.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.transport.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		resp, err := DecodeResponse(scanner.Bytes())
		if err != nil {
			c.logger.Error("bad frame from %s: %v", c.serverName, err)
			continue
		}

		c.mu.RLock()
		ch, ok := c.pending[resp.ID]
		c.mu.RUnlock()
		if !ok {
			c.logger.Warn("no pending call for response id=%v", resp.ID)
			continue
		}
		select {
		case ch <- resp:
		default:
			c.logger.Warn("response channel full, dropping id=%v", resp.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("read loop ended: %v", err)
	}
}

// IsInitialized reports whether the handshake completed.
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Info returns the connected server's identity, nil before initialize.
func (c *Client) Info() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns the server's advertised capabilities.
func (c *Client) Capabilities() *ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func decodeResult(result any, target any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
