package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/metrics"
	"github.com/vango-go/vai-realtime/pkg/realtime/protocol"
)

const DefaultTimeout = 30 * time.Second

// Sender delivers an outbound control message. Implementations must treat a
// send as a critical section.
type Sender interface {
	Send(ctx context.Context, ev protocol.ClientEvent) error
}

type RouterConfig struct {
	Registry *Registry
	Sender   Sender
	Store    conversation.Store

	// Timeout bounds each handler. Zero means DefaultTimeout; negative
	// disables the bound.
	Timeout time.Duration

	// ResponseOptions are attached to the response.create sent after each
	// tool result.
	ResponseOptions *protocol.ResponseOptions

	// OnEntry observes every entry the router commits.
	OnEntry func(conversation.Entry)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Router answers ToolInvoked events. Every accepted call id gets exactly one
// function_call_output followed by one response.create, whatever happens in
// the handler.
type Router struct {
	sender   Sender
	store    conversation.Store
	timeout  time.Duration
	respOpts *protocol.ResponseOptions
	onEntry  func(conversation.Entry)
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	registry *Registry
	seen     map[string]struct{}
	wg       sync.WaitGroup
	handlers sync.WaitGroup
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		sender:   cfg.Sender,
		store:    cfg.Store,
		timeout:  cfg.Timeout,
		respOpts: cfg.ResponseOptions,
		onEntry:  cfg.OnEntry,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
		seen:     make(map[string]struct{}),
	}
}

// SetRegistry swaps the catalog used for calls dispatched from now on.
func (r *Router) SetRegistry(reg *Registry) {
	r.mu.Lock()
	r.registry = reg
	r.mu.Unlock()
}

// Dispatch starts handling call in its own goroutine and returns immediately.
// It reports false when the call id was already dispatched.
func (r *Router) Dispatch(ctx context.Context, call protocol.ToolInvoked) bool {
	callID := strings.TrimSpace(call.CallID)
	if callID == "" {
		r.logger.Warn("dropping tool call without call_id", "tool", call.Name)
		return false
	}

	r.mu.Lock()
	if _, dup := r.seen[callID]; dup {
		r.mu.Unlock()
		r.logger.Debug("duplicate tool call ignored", "call_id", callID)
		return false
	}
	r.seen[callID] = struct{}{}
	reg := r.registry
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.handle(ctx, reg, call)
	}()
	return true
}

// Wait blocks until every dispatched call has been answered.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Drain waits like Wait and then for handlers that outlived their call
// through a timeout or cancellation.
func (r *Router) Drain() {
	r.wg.Wait()
	r.handlers.Wait()
}

// Reset forgets the call ids seen on a previous connection.
func (r *Router) Reset() {
	r.mu.Lock()
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
}

type callOutcome struct {
	result Result
	err    error
}

func (r *Router) handle(ctx context.Context, reg *Registry, inv protocol.ToolInvoked) {
	start := time.Now()
	name := strings.TrimSpace(inv.Name)
	log := r.logger.With("call_id", inv.CallID, "tool", name)

	args := json.RawMessage(strings.TrimSpace(inv.Arguments))
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var (
		outcome callOutcome
		code    string
	)
	tool, ok := reg.Resolve(name)
	switch {
	case !ok:
		outcome.err = fmt.Errorf("%w: %q", ErrUnknownTool, name)
		code = "tool_not_registered"
	default:
		if err := tool.Validate(args); err != nil {
			outcome.err = err
			code = "tool_input_invalid"
			break
		}
		r.commit(ctx, log, conversation.ToolLoading{CallID: inv.CallID, ToolName: name})
		outcome = r.run(ctx, tool, Call{CallID: inv.CallID, Name: name, Args: args})
		switch {
		case outcome.err == nil:
		case errors.Is(outcome.err, context.DeadlineExceeded):
			code = "tool_timeout"
		case errors.Is(outcome.err, ErrInvalidArguments):
			code = "tool_input_invalid"
		default:
			code = "tool_execution_failed"
		}
	}

	output, card := r.render(inv.CallID, name, outcome, code)
	if outcome.err != nil {
		log.Warn("tool call failed", "code", code, "error", outcome.err)
	}
	r.commit(ctx, log, card)

	status := "ok"
	if outcome.err != nil {
		status = code
	}
	r.metrics.RecordToolCall(name, status, time.Since(start))

	r.send(ctx, log, protocol.NewFunctionCallOutput(inv.CallID, output))
	r.send(ctx, log, protocol.NewResponseCreate(r.respOpts))
}

// run invokes the handler under the router timeout. A handler that ignores
// its context is abandoned once the deadline passes.
func (r *Router) run(ctx context.Context, tool *Tool, call Call) callOutcome {
	toolCtx := ctx
	cancel := func() {}
	if r.timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	call.emit = func(ctx context.Context, content conversation.Content) error {
		return r.append(ctx, content)
	}
	toolCtx = context.WithValue(toolCtx, callKey{}, call)

	done := make(chan callOutcome, 1)
	r.handlers.Add(1)
	go func() {
		defer r.handlers.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool handler panicked",
					"call_id", call.CallID,
					"tool", call.Name,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- callOutcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		res, err := tool.Handler(toolCtx, call)
		done <- callOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && toolCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			out.err = fmt.Errorf("tool timed out after %s: %w", r.timeout, context.DeadlineExceeded)
		}
		return out
	case <-toolCtx.Done():
		if ctx.Err() == nil {
			return callOutcome{err: fmt.Errorf("tool timed out after %s: %w", r.timeout, context.DeadlineExceeded)}
		}
		return callOutcome{err: ctx.Err()}
	}
}

type errorOutput struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func encodeError(code string, err error) string {
	var out errorOutput
	out.Error.Code = code
	out.Error.Message = strings.TrimSpace(err.Error())
	data, _ := json.Marshal(out)
	return string(data)
}

// render produces the function_call_output payload and the entry committed for
// the call.
func (r *Router) render(callID, name string, outcome callOutcome, code string) (string, conversation.Content) {
	if outcome.err != nil {
		return encodeError(code, outcome.err), conversation.ToolResult{
			CallID:   callID,
			ToolName: name,
			IsError:  true,
			Error:    outcome.err.Error(),
		}
	}

	var output string
	switch v := outcome.result.Output.(type) {
	case nil:
		output = `{}`
	case string:
		output = v
	case json.RawMessage:
		output = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			err = fmt.Errorf("encode tool output: %w", err)
			return encodeError("tool_output_invalid", err), conversation.ToolResult{
				CallID: callID, ToolName: name, IsError: true, Error: err.Error(),
			}
		}
		output = string(data)
	}

	if outcome.result.Card != nil {
		return output, outcome.result.Card
	}
	raw := json.RawMessage(output)
	if !json.Valid(raw) {
		raw, _ = json.Marshal(output)
	}
	return output, conversation.ToolResult{CallID: callID, ToolName: name, Output: raw}
}

func (r *Router) commit(ctx context.Context, log *slog.Logger, content conversation.Content) {
	if err := r.append(ctx, content); err != nil {
		log.Error("commit tool entry failed", "kind", content.Kind(), "error", err)
	}
}

func (r *Router) append(ctx context.Context, content conversation.Content) error {
	if r.store == nil || content == nil {
		return nil
	}
	// Entries must land even if the call's context has expired.
	entry, err := r.store.Append(context.WithoutCancel(ctx), conversation.Entry{Content: content})
	if err != nil {
		return err
	}
	r.metrics.RecordEntry(string(content.Kind()))
	if r.onEntry != nil {
		r.onEntry(entry)
	}
	return nil
}

func (r *Router) send(ctx context.Context, log *slog.Logger, ev protocol.ClientEvent) {
	if r.sender == nil {
		return
	}
	if err := r.sender.Send(ctx, ev); err != nil {
		log.Error("send tool reply failed", "event_type", protocol.TypeOf(ev), "error", err)
	}
}
