package mcp

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mcp/internal/protocol"
	"github.com/effective-security/dssatmcp/mcp/transport"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
)

// Client calls the tools of a server, used by embedders and tests
type Client struct {
	protocol  *protocol.Protocol
	transport transport.Transport
	info      Implementation
}

// ToolCallResponse is the decoded result of tools/call
type ToolCallResponse struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Error returns the structured error of a failed tool
func (r *ToolCallResponse) Error() (*toolerr.Error, error) {
	if !r.IsError {
		return nil, nil
	}
	var terr toolerr.Error
	if err := json.Unmarshal(r.StructuredContent, &terr); err != nil {
		return nil, errors.Wrap(err, "failed to decode tool error")
	}
	return &terr, nil
}

// Decode unmarshals the structured output into v
func (r *ToolCallResponse) Decode(v any) error {
	if r.IsError {
		return errors.New("tool returned an error")
	}
	return errors.WithStack(json.Unmarshal(r.StructuredContent, v))
}

// NewClient returns Client
func NewClient(tr transport.Transport, name, version string) *Client {
	return &Client{
		protocol:  protocol.NewProtocol(nil),
		transport: tr,
		info:      Implementation{Name: name, Version: version},
	}
}

// Connect connects the client to the transport
func (c *Client) Connect() error {
	return c.protocol.Connect(c.transport)
}

// Close closes the transport
func (c *Client) Close() error {
	return c.protocol.Close()
}

// Initialize negotiates the protocol version with the server
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var res InitializeResult
	err := c.request(ctx, "initialize", &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.info,
	}, &res)
	if err != nil {
		return nil, err
	}
	if err = c.protocol.Notification("notifications/initialized", map[string]any{}); err != nil {
		return nil, errors.WithMessage(err, "failed to send initialized notification")
	}
	return &res, nil
}

// Ping checks the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, "ping", nil, nil)
}

// ListTools returns a page of tools, the empty cursor returns the first page
func (c *Client) ListTools(ctx context.Context, cursor string) (*ListToolsResult, error) {
	var res ListToolsResult
	if err := c.request(ctx, "tools/list", &ListToolsParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes the tool with the arguments
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolCallResponse, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal arguments")
	}
	var res ToolCallResponse
	if err = c.request(ctx, "tools/call", &CallToolParams{Name: name, Arguments: raw}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) request(ctx context.Context, method string, params, result any) error {
	raw, err := c.protocol.Request(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err = json.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "failed to decode %s result", method)
	}
	return nil
}
