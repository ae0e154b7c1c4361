package tools

import (
	"context"
	"encoding/json"

	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "tools")

// ITool is a tool that can be invoked remotely by name.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be advertised to the caller.
	Description() string
	// Definition returns the immutable definition of the tool.
	Definition() *Definition

	// Call executes the tool with the given raw JSON arguments and returns the result.
	// The returned error is expected to be *toolerr.Error,
	// any other error is reported to the caller as Internal.
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Tool is a tool with typed input and output
type Tool[I any, O any] interface {
	ITool
	Run(context.Context, *I) (*O, error)
}

// Callback receives the tool invocation events
type Callback interface {
	OnToolStart(ctx context.Context, tool ITool, args json.RawMessage)
	OnToolEnd(ctx context.Context, tool ITool, args json.RawMessage, output any)
	OnToolError(ctx context.Context, tool ITool, args json.RawMessage, err *toolerr.Error)
	OnToolNotFound(ctx context.Context, name string)
}

// Example is a sample invocation advertised with the tool
type Example struct {
	Comment   string         `json:"comment,omitempty" yaml:"comment,omitempty"`
	Arguments map[string]any `json:"arguments" yaml:"arguments"`
}

// Definition describes the tool to the caller
type Definition struct {
	Name         string             `json:"name" yaml:"name"`
	Description  string             `json:"description" yaml:"description"`
	InputSchema  *jsonschema.Schema `json:"inputSchema" yaml:"inputSchema"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	Examples     []Example          `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// Invocation is a single request to run a tool
type Invocation struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result is the successful outcome of an invocation
type Result struct {
	Tool   string `json:"tool"`
	Output any    `json:"output"`
}
