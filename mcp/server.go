// Package mcp serves the tool registry over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/mcp/internal/protocol"
	"github.com/effective-security/dssatmcp/mcp/transport"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/tools"
	"github.com/effective-security/dssatmcp/utils"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "mcp")

// ProtocolVersion is the latest supported protocol version
const ProtocolVersion = "2025-06-18"

var supportedVersions = []string{"2024-11-05", "2025-03-26", ProtocolVersion}

// Server serves the tools of the registry
type Server struct {
	registry     *tools.Registry
	protocol     *protocol.Protocol
	transport    transport.Transport
	info         Implementation
	instructions string
	pageSize     int
}

// Option configures the server
type Option func(*Server)

// WithServerInfo sets the name and version reported on initialize
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.info = Implementation{Name: name, Version: version}
	}
}

// WithInstructions sets the instructions reported on initialize
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPageSize limits the number of tools returned by tools/list,
// 0 returns all tools
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

// NewServer returns Server
func NewServer(tr transport.Transport, registry *tools.Registry, opts ...Option) *Server {
	s := &Server{
		registry:  registry,
		protocol:  protocol.NewProtocol(nil),
		transport: tr,
		info:      Implementation{Name: "dssatmcp", Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve connects the server to the transport
func (s *Server) Serve() error {
	s.protocol.SetRequestHandler("initialize", s.handleInitialize)
	s.protocol.SetRequestHandler("ping", s.handlePing)
	s.protocol.SetRequestHandler("tools/list", s.handleListTools)
	s.protocol.SetRequestHandler("tools/call", s.handleCallTool)
	s.protocol.SetNotificationHandler("notifications/initialized", s.handleInitialized)
	s.protocol.OnError = func(err error) {
		logger.KV(xlog.WARNING, "reason", "protocol", "err", err.Error())
	}

	return s.protocol.Connect(s.transport)
}

// Close closes the transport
func (s *Server) Close() error {
	return s.protocol.Close()
}

func (s *Server) handleInitialize(ctx context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params InitializeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	version := ProtocolVersion
	if slices.Contains(supportedVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	logger.ContextKV(ctx, xlog.INFO,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol", version,
	)

	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, _ *transport.BaseJSONRPCNotification) error {
	logger.ContextKV(ctx, xlog.DEBUG, "status", "initialized")
	return nil
}

func (s *Server) handlePing(_ context.Context, _ *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	return map[string]any{}, nil
}

func (s *Server) handleListTools(_ context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params ListToolsParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}

	defs := s.registry.List()

	start := 0
	if params.Cursor != "" {
		after, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
		// defs are sorted by name
		start = sort.Search(len(defs), func(i int) bool {
			return strings.Compare(defs[i].Name, after) > 0
		})
	}

	end := len(defs)
	if s.pageSize > 0 && start+s.pageSize < end {
		end = start + s.pageSize
	}

	res := &ListToolsResult{
		Tools: make([]ToolDescriptor, 0, end-start),
	}
	for _, def := range defs[start:end] {
		res.Tools = append(res.Tools, ToolDescriptor{
			Name:         def.Name,
			Description:  def.Description,
			InputSchema:  def.InputSchema,
			OutputSchema: def.OutputSchema,
		})
	}
	if end < len(defs) {
		res.NextCursor = encodeCursor(defs[end-1].Name)
	}
	return res, nil
}

func (s *Server) handleCallTool(ctx context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params CallToolParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, transport.NewError(transport.InvalidParams, "tool name is required")
	}

	res, err := s.registry.Invoke(ctx, tools.Invocation{
		Name:      params.Name,
		Arguments: params.Arguments,
	})
	if err != nil {
		terr := toolerr.From(err)
		if terr.Kind == toolerr.KindUnknownTool {
			return nil, transport.NewError(transport.InvalidParams, terr.Message).WithData(terr)
		}
		return &CallToolResult{
			Content:           []Content{NewTextContent(utils.ToJSON(terr))},
			StructuredContent: terr,
			IsError:           true,
		}, nil
	}

	return &CallToolResult{
		Content:           []Content{NewTextContent(utils.ToJSON(res.Output))},
		StructuredContent: res.Output,
	}, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return transport.NewError(transport.InvalidParams, "invalid params")
	}
	return nil
}

func encodeCursor(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func decodeCursor(cursor string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) == 0 {
		return "", transport.NewError(transport.InvalidParams, "invalid cursor")
	}
	return string(b), nil
}

// IsRPCError returns the JSON-RPC error returned by the server
func IsRPCError(err error) (*transport.Error, bool) {
	var rpcErr *transport.Error
	ok := errors.As(err, &rpcErr)
	return rpcErr, ok
}
