// Package agent implements the conversation driver: the loop that
// carries a user message through model calls and tool executions to a
// final reply, updating entity memory and the transcript along the way.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsbridge/opsbridge/internal/audit"
	"github.com/opsbridge/opsbridge/internal/backend"
	"github.com/opsbridge/opsbridge/internal/catalog"
	"github.com/opsbridge/opsbridge/internal/entity"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/llm"
	"github.com/opsbridge/opsbridge/internal/memory"
	"github.com/opsbridge/opsbridge/internal/persist"
	"github.com/opsbridge/opsbridge/internal/registry"
)

// State is the driver's position in the conversation loop.
type State string

const (
	StateAwaitingModel State = "awaiting_model"
	StateExecutingTool State = "executing_tool"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// stepLimitNote is appended to the reply when the loop stops at its
// step ceiling.
const stepLimitNote = "Completed %d processing steps; stopping before the task finished. Ask a follow-up to continue."

// ToolCallRecord summarizes one tool execution within a request.
type ToolCallRecord struct {
	Tool       string         `json:"tool"`
	Service    string         `json:"service,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	OK         bool           `json:"ok"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Result is the outcome of one handled message.
type Result struct {
	RequestID     string
	Response      string
	State         State
	Steps         int
	ToolCalls     []ToolCallRecord
	ThinkingSteps []ThinkingStep
}

// Driver runs the model/tool loop over the shared session state.
type Driver struct {
	registry   *registry.Registry
	catalog    *catalog.Catalog
	cache      *entity.Cache
	transcript *memory.Store
	store      *persist.Store
	auditLog   *audit.Log
	bus        *events.Bus
	model      llm.Client
	traces     *TraceStore

	maxSteps    int
	window      int
	toolTimeout time.Duration
	logger      *slog.Logger

	// The session is single-threaded: one turn mutates the transcript
	// and cache at a time.
	mu sync.Mutex
}

// Options configures a Driver. Registry, Catalog, Cache, Transcript
// and Model are required; the rest are optional.
type Options struct {
	Registry   *registry.Registry
	Catalog    *catalog.Catalog
	Cache      *entity.Cache
	Transcript *memory.Store
	Store      *persist.Store
	AuditLog   *audit.Log
	Bus        *events.Bus
	Model      llm.Client

	MaxSteps    int
	Window      int
	ToolTimeout time.Duration
	Logger      *slog.Logger
}

// New creates a conversation driver.
func New(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 15
	}
	window := opts.Window
	if window <= 0 {
		window = 20
	}
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &Driver{
		registry:    opts.Registry,
		catalog:     opts.Catalog,
		cache:       opts.Cache,
		transcript:  opts.Transcript,
		store:       opts.Store,
		auditLog:    opts.AuditLog,
		bus:         opts.Bus,
		model:       opts.Model,
		traces:      NewTraceStore(),
		maxSteps:    maxSteps,
		window:      window,
		toolTimeout: toolTimeout,
		logger:      logger,
	}
}

// Traces exposes the thinking-trace store for the API layer.
func (d *Driver) Traces() *TraceStore {
	return d.traces
}

// HandleMessage drives one user message to completion. The only errors
// returned are model failures; tool-level trouble is fed back to the
// model as tool results and the model adapts.
func (d *Driver) HandleMessage(ctx context.Context, message string, captureThinking bool) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	requestID := uuid.NewString()
	start := time.Now()
	logger := d.logger.With("request_id", requestID)

	d.bus.Publish(events.Event{
		Timestamp: start, Source: events.SourceDriver, Kind: events.KindRequestStart,
		Data: map[string]any{"request_id": requestID, "message_len": len(message)},
	})

	res := &Result{RequestID: requestID, State: StateAwaitingModel}
	trace := func(stepType, content, tool string, confidence float64) {
		if captureThinking {
			d.traces.Append(requestID, ThinkingStep{
				Type:       stepType,
				Content:    content,
				Tool:       tool,
				Confidence: confidence,
			})
		}
	}

	msgs := d.buildMessages(message)
	tools := d.modelTools()
	logger.Info("handling message", "history", len(msgs)-2, "tools", len(tools))

	// The reply accumulates every text turn, so narration the model
	// emits alongside tool calls survives into the final answer.
	var reply strings.Builder

	for res.Steps < d.maxSteps {
		res.Steps++
		res.State = StateAwaitingModel

		d.bus.Publish(events.Event{
			Timestamp: time.Now(), Source: events.SourceDriver, Kind: events.KindModelCall,
			Data: map[string]any{"request_id": requestID, "step": res.Steps},
		})

		resp, err := d.model.Chat(ctx, msgs, tools)
		if err != nil {
			res.State = StateFailed
			logger.Error("model call failed", "step", res.Steps, "error", err)
			d.publishComplete(requestID, res, start)
			return res, err
		}

		d.bus.Publish(events.Event{
			Timestamp: time.Now(), Source: events.SourceDriver, Kind: events.KindModelResponse,
			Data: map[string]any{
				"request_id": requestID, "step": res.Steps,
				"tool_calls": len(resp.Message.ToolCalls),
				"tokens_in":  resp.InputTokens, "tokens_out": resp.OutputTokens,
			},
		})

		msgs = append(msgs, resp.Message)

		if resp.Message.Content != "" {
			if reply.Len() > 0 {
				reply.WriteString("\n\n")
			}
			reply.WriteString(resp.Message.Content)
			trace("reasoning", resp.Message.Content, "", 0.8)
		}

		if len(resp.Message.ToolCalls) == 0 {
			// Final turn. Zero content is a legitimate empty completion.
			res.State = StateDone
			break
		}

		res.State = StateExecutingTool
		for _, tc := range resp.Message.ToolCalls {
			trace("tool_selection", describeArgs(tc), tc.Name, 0.9)

			text, record := d.executeTool(ctx, requestID, tc.Name, tc.Arguments)
			res.ToolCalls = append(res.ToolCalls, record)

			content := text
			if record.Error != "" {
				content = "Error executing tool " + tc.Name + ": " + record.Error
				trace("error_handling", content, tc.Name, 0.8)
			} else {
				trace("result_analysis", "Analyzing result from "+tc.Name+": "+truncate(text, 200), tc.Name, 0.7)
			}

			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}
	}

	if res.State != StateDone {
		// Step ceiling reached mid-loop. The limit note is always
		// appended so the user knows the reply may be incomplete.
		if reply.Len() > 0 {
			reply.WriteString("\n\n")
		}
		fmt.Fprintf(&reply, stepLimitNote, res.Steps)
		res.State = StateDone
		logger.Warn("step ceiling reached", "steps", res.Steps)
	}
	res.Response = reply.String()

	d.transcript.AppendExchange(message, res.Response)
	d.persistState()

	if captureThinking {
		res.ThinkingSteps, _ = d.traces.Get(requestID)
	}

	d.publishComplete(requestID, res, start)
	logger.Info("message handled",
		"steps", res.Steps,
		"tool_calls", len(res.ToolCalls),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// executeTool resolves and runs one tool call. Every failure mode ends
// up in the record's Error; the caller feeds it back to the model.
func (d *Driver) executeTool(ctx context.Context, requestID, name string, args map[string]any) (string, ToolCallRecord) {
	record := ToolCallRecord{Tool: name, Arguments: args}
	started := time.Now()

	spec, err := d.catalog.Resolve(name)
	if err != nil {
		record.Error = fmt.Sprintf("tool %q is not available; check the tool name against the provided tool list", name)
		record.DurationMs = time.Since(started).Milliseconds()
		d.logger.Warn("unresolved tool name", "tool", name)
		return "", record
	}
	record.Service = spec.Service

	d.bus.Publish(events.Event{
		Timestamp: started, Source: events.SourceTools, Kind: events.KindToolCall,
		Data: map[string]any{"request_id": requestID, "tool": name, "service": spec.Service},
	})

	var auditID string
	if d.auditLog != nil {
		argsJSON, _ := json.Marshal(args)
		auditID = d.auditLog.Begin(requestID, spec.Service, name, string(argsJSON))
	}

	text, callErr := d.callService(ctx, spec.Service, name, args)
	record.DurationMs = time.Since(started).Milliseconds()

	if callErr != nil {
		record.Error = callErr.Error()
	} else {
		record.OK = true
		stored := d.cache.Ingest(entity.ClassifierFor(spec.Service), text)
		if stored > 0 {
			d.logger.Debug("entities cached from result", "tool", name, "count", stored)
		}
	}

	if d.auditLog != nil {
		d.auditLog.Complete(auditID, truncate(text, 4096), record.Error)
	}

	d.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourceTools, Kind: events.KindToolDone,
		Data: map[string]any{
			"request_id": requestID, "tool": name, "service": spec.Service,
			"ok": record.OK, "duration_ms": record.DurationMs,
		},
	})

	return text, record
}

// callService performs the transport call and records the outcome in
// the registry.
func (d *Driver) callService(ctx context.Context, service, tool string, args map[string]any) (string, error) {
	client, err := d.registry.Client(service)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.toolTimeout)
	defer cancel()

	text, err := client.CallTool(callCtx, tool, args)
	if err != nil {
		var te *backend.TransportError
		d.registry.RecordFailure(service, err, errors.As(err, &te))
		return "", err
	}

	d.registry.RecordSuccess(service)
	return text, nil
}

// CallService invokes a tool on a named service directly, bypassing
// the model loop. The API's /api/call-tool endpoint uses this.
func (d *Driver) CallService(ctx context.Context, service, tool string, args map[string]any) (string, error) {
	requestID := uuid.NewString()

	var auditID string
	if d.auditLog != nil {
		argsJSON, _ := json.Marshal(args)
		auditID = d.auditLog.Begin(requestID, service, tool, string(argsJSON))
	}

	text, err := d.callService(ctx, service, tool, args)

	if d.auditLog != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		d.auditLog.Complete(auditID, truncate(text, 4096), errMsg)
	}
	if err != nil {
		return "", err
	}

	d.cache.Ingest(entity.ClassifierFor(service), text)
	return text, nil
}

// PersistNow flushes both state documents; called at shutdown.
func (d *Driver) PersistNow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistState()
}

func (d *Driver) persistState() {
	if d.store == nil {
		return
	}
	d.store.SaveEntities(d.cache.Snapshot())
	d.store.SaveTranscript(d.transcript.Snapshot())
}

// buildMessages assembles the model input: system prompt with the
// cached-context summary, the windowed history, then the new message.
func (d *Driver) buildMessages(message string) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt(d.cache.BuildContextSummary())}}
	for _, m := range d.transcript.Recent(d.window) {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: message})
}

// modelTools converts the catalog into the model's tool list. An empty
// catalog simply offers no tools; the conversation degrades to text.
func (d *Driver) modelTools() []llm.Tool {
	specs := d.catalog.Tools()
	tools := make([]llm.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, llm.Tool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	return tools
}

func (d *Driver) publishComplete(requestID string, res *Result, start time.Time) {
	d.bus.Publish(events.Event{
		Timestamp: time.Now(), Source: events.SourceDriver, Kind: events.KindRequestComplete,
		Data: map[string]any{
			"request_id": requestID,
			"steps":      res.Steps,
			"state":      string(res.State),
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
}

func describeArgs(tc llm.ToolCall) string {
	args, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "calling " + tc.Name
	}
	return "calling " + tc.Name + " with " + string(args)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
