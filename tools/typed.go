package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/schema"
	"github.com/go-playground/validator/v10"
)

// RunFunc is the implementation of a typed tool
type RunFunc[I any, O any] func(ctx context.Context, in *I) (*O, error)

// Typed is a tool with the argument schema reflected from I
type Typed[I any, O any] struct {
	def *Definition
	run RunFunc[I, O]
}

// ensure Typed implements Tool
var _ Tool[struct{}, struct{}] = (*Typed[struct{}, struct{}])(nil)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// NewTyped returns a tool with input I and output O
func NewTyped[I any, O any](name, description string, run RunFunc[I, O], examples ...Example) (*Typed[I, O], error) {
	if name == "" {
		return nil, errors.New("tool name is required")
	}
	if run == nil {
		return nil, errors.Errorf("tool %s: run function is required", name)
	}

	in, err := schema.For[I]()
	if err != nil {
		return nil, errors.WithMessagef(err, "tool %s: input schema", name)
	}
	out, err := schema.For[O]()
	if err != nil {
		return nil, errors.WithMessagef(err, "tool %s: output schema", name)
	}

	return &Typed[I, O]{
		def: &Definition{
			Name:         name,
			Description:  description,
			InputSchema:  in.Parameters,
			OutputSchema: out.Parameters,
			Examples:     examples,
		},
		run: run,
	}, nil
}

func (t *Typed[I, O]) Name() string {
	return t.def.Name
}

func (t *Typed[I, O]) Description() string {
	return t.def.Description
}

func (t *Typed[I, O]) Definition() *Definition {
	return t.def
}

func (t *Typed[I, O]) Run(ctx context.Context, in *I) (*O, error) {
	return t.run(ctx, in)
}

func (t *Typed[I, O]) Call(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := DecodeArgs[I](args)
	if err != nil {
		return nil, err
	}
	out, err := t.run(ctx, in)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var argsKey = []byte(`"args"`)

// DecodeArgs decodes and validates the raw arguments.
// Both the plain object and the wrapped {"args": {...}} form are accepted.
func DecodeArgs[I any](args json.RawMessage) (*I, error) {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || string(args) == "null" {
		args = []byte("{}")
	}
	if args[0] != '{' {
		return nil, toolerr.InvalidArguments("", "arguments must be a JSON object")
	}

	in := new(I)
	if bytes.Contains(args, argsKey) && !hasJSONField(reflect.TypeFor[I](), "args") {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(args, &wrapped); err == nil && len(wrapped) == 1 {
			if inner, ok := wrapped["args"]; ok {
				args = bytes.TrimSpace(inner)
				if len(args) == 0 || args[0] != '{' {
					return nil, toolerr.InvalidArguments("args", "must be a JSON object")
				}
			}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, decodeError(err)
	}

	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	return in, nil
}

func hasJSONField(t reflect.Type, name string) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if tag == name {
			return true
		}
	}
	return false
}

func decodeError(err error) error {
	var te *toolerr.Error
	if errors.As(err, &te) {
		return te
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return toolerr.InvalidArguments(typeErr.Field, "must be %s, got %s", typeErr.Type.String(), typeErr.Value)
	}

	msg := err.Error()
	if field, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		field = strings.Trim(field, `"`)
		return toolerr.InvalidArguments(field, "unknown argument")
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return toolerr.InvalidArguments("", "malformed JSON at offset %d", syntaxErr.Offset)
	}
	return toolerr.InvalidArguments("", "failed to decode arguments: %s", msg)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return toolerr.InvalidArguments("", "%s", err.Error())
	}

	fe := verrs[0]
	field := fe.Namespace()
	// drop the struct name
	if _, after, ok := strings.Cut(field, "."); ok {
		field = after
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		msg = fmt.Sprintf("must have at least %s item(s) or characters", fe.Param())
	case "max":
		msg = fmt.Sprintf("must have at most %s item(s) or characters", fe.Param())
	case "oneof":
		msg = fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %s=%s validation", fe.Tag(), fe.Param())
		} else {
			msg = fmt.Sprintf("failed %s validation", fe.Tag())
		}
	}
	return toolerr.InvalidArguments(field, "%s", msg)
}
