// Package tools holds the tool catalog advertised to the realtime session and
// the router that answers the model's function calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/protocol"
)

var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrInvalidArguments  = errors.New("invalid tool arguments")
	ErrDuplicateTool     = errors.New("duplicate tool name")
	errMissingToolName   = errors.New("tool name is required")
	errMissingToolHandle = errors.New("tool handler is required")
)

// Descriptor is the model-visible shape of a tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  *JSONSchema
}

// Call is one invocation of a tool.
type Call struct {
	CallID string
	Name   string
	Args   json.RawMessage

	emit func(context.Context, conversation.Content) error
}

// Emit appends an interim conversation entry (a loading placeholder, a card)
// before the tool's final result.
func (c Call) Emit(ctx context.Context, content conversation.Content) error {
	if c.emit == nil {
		return nil
	}
	return c.emit(ctx, content)
}

// Result is what a handler returns. Output is sent to the model; a string or
// json.RawMessage is sent as is and anything else is JSON encoded. Card, when
// set, is committed in place of the default tool_result entry.
type Result struct {
	Output any
	Card   conversation.Content
}

type Handler func(ctx context.Context, call Call) (Result, error)

// Tool is a descriptor bound to its handler.
type Tool struct {
	Descriptor
	Handler Handler

	schema *jsonschema.Schema
}

// Validate checks args against the tool's parameter schema.
func (t *Tool) Validate(args json.RawMessage) error {
	if !json.Valid(args) {
		return fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidArguments)
	}
	if t.schema == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

type callKey struct{}

// Emit appends an interim entry through the call bound to ctx. Handlers built
// with MakeTool use this since they do not see the Call.
func Emit(ctx context.Context, content conversation.Content) error {
	call, ok := ctx.Value(callKey{}).(Call)
	if !ok {
		return nil
	}
	return call.Emit(ctx, content)
}

// CallFromContext returns the call being handled on ctx.
func CallFromContext(ctx context.Context) (Call, bool) {
	call, ok := ctx.Value(callKey{}).(Call)
	return call, ok
}

// MakeTool creates a Tool from a typed function. The parameter schema is
// generated from T.
//
// Example:
//
//	tool := tools.MakeTool("get_market_price", "Current price of a crypto asset",
//	    func(ctx context.Context, in struct {
//	        Symbol string `json:"symbol" desc:"Ticker symbol" enum:"BTC,ETH,SOL"`
//	    }) (Quote, error) {
//	        return prices.Get(ctx, in.Symbol)
//	    },
//	)
func MakeTool[T any, R any](name, description string, fn func(context.Context, T) (R, error)) Tool {
	schema := GenerateJSONSchema(reflect.TypeOf((*T)(nil)).Elem())
	return Tool{
		Descriptor: Descriptor{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
		Handler: func(ctx context.Context, call Call) (Result, error) {
			var input T
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &input); err != nil {
					return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
				}
			}
			out, err := fn(ctx, input)
			if err != nil {
				return Result{}, err
			}
			return Result{Output: out}, nil
		},
	}
}

// Registry is an ordered tool catalog keyed by name. A Registry is replaced
// wholesale when the active agent changes; it is safe for concurrent reads.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error; for static catalogs.
func MustRegistry(tools ...Tool) *Registry {
	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds t, compiling its parameter schema.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return errMissingToolName
	}
	if t.Handler == nil {
		return fmt.Errorf("%s: %w", name, errMissingToolHandle)
	}
	t.Name = name
	if t.Parameters == nil {
		t.Parameters = &JSONSchema{Type: "object", Properties: map[string]JSONSchema{}}
	}
	schema, err := compileSchema(name, t.Parameters)
	if err != nil {
		return err
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.byName[name] = &t
	r.order = append(r.order, name)
	return nil
}

func compileSchema(name string, schema *JSONSchema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}

// Resolve returns the tool named name.
func (r *Registry) Resolve(name string) (*Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[strings.TrimSpace(name)]
	return t, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Descriptors returns the catalog in registration order.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return []Descriptor{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Descriptor)
	}
	return out
}

// ProtocolTools renders the catalog for session.update. The result is never
// nil so an empty catalog is still sent.
func (r *Registry) ProtocolTools() ([]protocol.Tool, error) {
	descs := r.Descriptors()
	out := make([]protocol.Tool, 0, len(descs))
	for _, d := range descs {
		params, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal %s parameters: %w", d.Name, err)
		}
		out = append(out, protocol.Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return out, nil
}
