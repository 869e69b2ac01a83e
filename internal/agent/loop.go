// Package agent implements the turn loop: one user input in, one final
// assistant answer out, with any number of tool round trips between.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/tools"
)

// Limits applied when Config leaves them zero.
const (
	DefaultMaxInputChars  = 10000
	DefaultRecursionLimit = 30
	MaxRecursionLimit     = 100
)

// Gateway invokes a model by selection key. Ready reports
// llm.ErrNoBackend when nothing can serve.
type Gateway interface {
	Ready() error
	Invoke(ctx context.Context, selection string, req llm.Request) (*llm.ChatResponse, error)
	InvokeStream(ctx context.Context, selection string, req llm.Request, cb llm.StreamCallback) (*llm.ChatResponse, error)
}

// Dispatcher runs tools by name.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (string, error)
	List() []map[string]any
}

// Store loads and saves whole thread histories.
type Store interface {
	Load(ctx context.Context, threadID string) ([]memory.Message, error)
	Save(ctx context.Context, threadID string, msgs []memory.Message) error
}

// Recorder receives turn-level measurements. *metrics.Metrics
// satisfies it.
type Recorder interface {
	TurnStarted()
	TurnFinished(outcome string, iterations int, elapsed time.Duration)
	ObserveModel(selection string, elapsed time.Duration, err error)
	ObserveTool(tool, kind string)
}

// Config tunes the loop.
type Config struct {
	SystemPrompt   string
	MaxInputChars  int
	RecursionLimit int

	// CheckpointEachStep saves after the user message and after every
	// tool round, not only when the turn ends.
	CheckpointEachStep bool

	// NewThreadSentinel, when non-empty, is a thread ID value treated
	// the same as no thread ID.
	NewThreadSentinel string
}

// Request is the input to one turn.
type Request struct {
	ThreadID string
	Input    string
	Model    string

	// RecursionLimit overrides Config.RecursionLimit when positive.
	RecursionLimit int
}

// Response is the result of a completed turn.
type Response struct {
	ThreadID string
	Text     string

	// Selection is the model key that served the final invocation.
	Selection string
	Model     string

	Iterations int
	Appended   int

	// Recovered is non-nil when a model failure was absorbed into a
	// synthetic reply. It wraps ErrModelInvocation.
	Recovered error
}

// Loop executes turns. It holds no per-thread state, so one Loop serves
// concurrent turns on distinct threads.
type Loop struct {
	logger  *slog.Logger
	gateway Gateway
	tools   Dispatcher
	store   Store
	rec     Recorder
	cfg     Config
	now     func() time.Time
}

// NewLoop creates a turn loop. rec may be nil.
func NewLoop(logger *slog.Logger, gw Gateway, td Dispatcher, store Store, rec Recorder, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = DefaultRecursionLimit
	}
	if cfg.RecursionLimit > MaxRecursionLimit {
		cfg.RecursionLimit = MaxRecursionLimit
	}
	return &Loop{
		logger:  logger.With("component", "agent"),
		gateway: gw,
		tools:   td,
		store:   store,
		rec:     rec,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ValidateInput checks a request without touching any state.
func (l *Loop) ValidateInput(req *Request) error {
	if strings.TrimSpace(req.Input) == "" {
		return turnError(KindValidation, req.ThreadID, errors.New("input is empty"))
	}
	if n := utf8.RuneCountInString(req.Input); n > l.cfg.MaxInputChars {
		return turnError(KindValidation, req.ThreadID,
			fmt.Errorf("input is %d characters, limit is %d", n, l.cfg.MaxInputChars))
	}
	if req.RecursionLimit < 0 || req.RecursionLimit > MaxRecursionLimit {
		return turnError(KindValidation, req.ThreadID,
			fmt.Errorf("recursion limit %d outside [1, %d]", req.RecursionLimit, MaxRecursionLimit))
	}
	return nil
}

// Execute runs one turn to completion.
func (l *Loop) Execute(ctx context.Context, req *Request) (*Response, error) {
	return l.run(ctx, req, nil)
}

// ExecuteStream is Execute with incremental delivery of text tokens and
// tool progress to cb.
func (l *Loop) ExecuteStream(ctx context.Context, req *Request, cb llm.StreamCallback) (*Response, error) {
	if cb == nil {
		cb = func(llm.StreamEvent) {}
	}
	return l.run(ctx, req, cb)
}

// turn is the per-invocation state threaded through the loop.
type turn struct {
	thread     *memory.Thread
	selection  string
	limit      int
	iterations int
	stream     llm.StreamCallback
	last       *llm.ChatResponse
	recovered  error
}

func (l *Loop) run(ctx context.Context, req *Request, cb llm.StreamCallback) (resp *Response, err error) {
	if err := l.ValidateInput(req); err != nil {
		return nil, err
	}

	start := l.now()
	if l.rec != nil {
		l.rec.TurnStarted()
	}
	t := &turn{selection: req.Model, limit: l.cfg.RecursionLimit, stream: cb}
	if req.RecursionLimit > 0 {
		t.limit = req.RecursionLimit
	}
	defer func() {
		if l.rec != nil {
			l.rec.TurnFinished(outcome(resp, err), t.iterations, l.now().Sub(start))
		}
	}()

	threadID := l.resolveThreadID(req.ThreadID)

	// Nothing is written for a turn no backend could answer.
	if err := l.gateway.Ready(); err != nil {
		return nil, turnError(KindConfiguration, threadID, err)
	}

	// Saves must land even when the caller has gone away.
	saveCtx := context.WithoutCancel(ctx)

	history, err := l.store.Load(ctx, threadID)
	if err != nil {
		l.logger.Error("thread load failed", "thread", threadID, "error", err)
		return nil, turnError(KindPersistence, threadID, err)
	}
	t.thread = memory.NewThread(threadID, history)

	l.logger.Info("turn started",
		"thread", threadID,
		"model", req.Model,
		"input_chars", utf8.RuneCountInString(req.Input),
		"history", len(history),
	)

	if err := l.closeInterrupted(t); err != nil {
		return nil, turnError(KindPersistence, threadID, err)
	}
	if err := t.thread.Append(memory.UserMessage(req.Input)); err != nil {
		return nil, turnError(KindValidation, threadID, err)
	}
	if l.cfg.CheckpointEachStep {
		if err := l.save(saveCtx, t); err != nil {
			return nil, err
		}
	}

	loopErr := l.loop(ctx, t)
	if errors.Is(loopErr, llm.ErrNoBackend) {
		return nil, turnError(KindConfiguration, threadID, loopErr)
	}

	if err := l.save(saveCtx, t); err != nil {
		return nil, err
	}
	if loopErr != nil {
		l.logger.Warn("turn aborted",
			"thread", threadID,
			"iterations", t.iterations,
			"limit", t.limit,
			"error", loopErr,
		)
		return nil, turnError(KindRecursionLimit, threadID, loopErr)
	}

	resp = l.response(t, start)
	if cb != nil {
		cb(llm.StreamEvent{Kind: llm.KindDone, Iteration: t.iterations, Response: t.last})
	}
	return resp, nil
}

// loop drives the state machine until the model answers without tool
// calls, the budget runs out, or no backend exists. A model failure is
// absorbed as a synthetic reply and ends the loop successfully.
func (l *Loop) loop(ctx context.Context, t *turn) error {
	system := prompts.System(l.cfg.SystemPrompt, l.now())
	toolDefs := l.tools.List()

	for t.iterations < t.limit {
		t.iterations++

		resp, err := l.invoke(ctx, t, llm.Request{
			System:   system,
			Messages: t.thread.Messages(),
			Tools:    toolDefs,
		})
		if errors.Is(err, llm.ErrNoBackend) {
			return err
		}
		if err != nil {
			l.absorb(t, err)
			return nil
		}
		t.last = resp

		msg := resp.Message
		l.ensureCallIDs(t.thread, &msg)
		if err := t.thread.Append(msg); err != nil {
			l.absorb(t, fmt.Errorf("%w: %v", llm.ErrMalformedResponse, err))
			return nil
		}

		if !msg.HasToolCalls() {
			return nil
		}

		l.dispatchAll(ctx, t, msg.ToolCalls)

		if l.cfg.CheckpointEachStep && t.iterations < t.limit {
			if err := l.save(context.WithoutCancel(ctx), t); err != nil {
				// Surfaced by the final save; the turn keeps going.
				l.logger.Warn("intermediate checkpoint failed", "thread", t.thread.ID(), "error", err)
			}
		}
	}

	return fmt.Errorf("%d model invocations without a final answer", t.iterations)
}

func (l *Loop) invoke(ctx context.Context, t *turn, req llm.Request) (*llm.ChatResponse, error) {
	l.logger.Debug("invoking model",
		"thread", t.thread.ID(),
		"iteration", t.iterations,
		"selection", t.selection,
		"messages", len(req.Messages),
	)

	start := l.now()
	var (
		resp *llm.ChatResponse
		err  error
	)
	if t.stream != nil {
		iter := t.iterations
		resp, err = l.gateway.InvokeStream(ctx, t.selection, req, func(ev llm.StreamEvent) {
			if ev.Kind != llm.KindToken {
				return
			}
			ev.Iteration = iter
			t.stream(ev)
		})
	} else {
		resp, err = l.gateway.Invoke(ctx, t.selection, req)
	}

	if l.rec != nil {
		sel := t.selection
		if resp != nil {
			sel = resp.Selection
		}
		l.rec.ObserveModel(sel, l.now().Sub(start), err)
	}
	return resp, err
}

// absorb appends the synthetic assistant reply for a failed model call.
func (l *Loop) absorb(t *turn, cause error) {
	text := prompts.ModelFailureReply
	if errors.Is(cause, llm.ErrMalformedResponse) {
		text = prompts.MalformedReply
	}
	l.logger.Warn("model invocation failed, recording synthetic reply",
		"thread", t.thread.ID(),
		"iteration", t.iterations,
		"error", cause,
	)

	msg := memory.AssistantMessage(text)
	msg.Synthetic = true
	// An assistant message with no calls always appends cleanly.
	_ = t.thread.Append(msg)

	t.recovered = fmt.Errorf("%w: %w", ErrModelInvocation, cause)
	if t.stream != nil {
		t.stream(llm.StreamEvent{Kind: llm.KindToken, Iteration: t.iterations, Token: text})
	}
}

// dispatchAll runs each call in order and appends its result. Tool
// failures become error text for the model; they never end the turn.
func (l *Loop) dispatchAll(ctx context.Context, t *turn, calls []memory.ToolCall) {
	for i := range calls {
		tc := calls[i]
		if t.stream != nil {
			t.stream(llm.StreamEvent{Kind: llm.KindToolCallStart, Iteration: t.iterations, ToolCall: &tc})
		}

		result, err := l.tools.Dispatch(ctx, tc.Name, tc.Arguments)
		errText := ""
		if err != nil {
			result = prompts.ToolError(err)
			errText = err.Error()
			l.logger.Warn("tool failed",
				"thread", t.thread.ID(),
				"tool", tc.Name,
				"kind", tools.KindOf(err),
				"error", err,
			)
		}
		if l.rec != nil {
			l.rec.ObserveTool(tc.Name, string(tools.KindOf(err)))
		}

		if aerr := t.thread.Append(memory.ToolResultMessage(tc.ID, tc.Name, result)); aerr != nil {
			// ensureCallIDs ran before the assistant message was
			// appended, so this indicates a bug.
			l.logger.Error("tool result rejected", "thread", t.thread.ID(), "call", tc.ID, "error", aerr)
			continue
		}

		if t.stream != nil {
			t.stream(llm.StreamEvent{
				Kind:       llm.KindToolCallDone,
				Iteration:  t.iterations,
				ToolName:   tc.Name,
				ToolResult: result,
				ToolError:  errText,
			})
		}
	}
}

// closeInterrupted answers calls left pending by a turn that died in
// the middle of dispatch, so the history stays well formed.
func (l *Loop) closeInterrupted(t *turn) error {
	for _, tc := range t.thread.Unanswered() {
		l.logger.Warn("closing interrupted tool call", "thread", t.thread.ID(), "tool", tc.Name, "call", tc.ID)
		res := memory.ToolResultMessage(tc.ID, tc.Name, "Error: the tool call was interrupted before it completed")
		if err := t.thread.Append(res); err != nil {
			return err
		}
	}
	return nil
}

// ensureCallIDs gives every call in msg an ID that is non-empty, unique
// within msg and not already answered in the thread. Some providers
// reuse short IDs across turns.
func (l *Loop) ensureCallIDs(th *memory.Thread, msg *memory.Message) {
	seen := make(map[string]struct{}, len(msg.ToolCalls))
	for i := range msg.ToolCalls {
		id := msg.ToolCalls[i].ID
		if _, dup := seen[id]; id == "" || dup || th.Answered(id) {
			id = "call_" + uuid.NewString()
			msg.ToolCalls[i].ID = id
		}
		seen[id] = struct{}{}
	}
}

func (l *Loop) save(ctx context.Context, t *turn) error {
	if err := l.store.Save(ctx, t.thread.ID(), t.thread.Messages()); err != nil {
		l.logger.Error("thread save failed", "thread", t.thread.ID(), "error", err)
		return turnError(KindPersistence, t.thread.ID(), err)
	}
	return nil
}

func (l *Loop) resolveThreadID(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested != "" && (l.cfg.NewThreadSentinel == "" || requested != l.cfg.NewThreadSentinel) {
		return requested
	}
	if requested != "" {
		l.logger.Warn("sentinel thread id received, starting a new thread", "sentinel", requested)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (l *Loop) response(t *turn, start time.Time) *Response {
	last, _ := t.thread.Last()
	resp := &Response{
		ThreadID:   t.thread.ID(),
		Text:       last.Content.Text(),
		Iterations: t.iterations,
		Appended:   t.thread.Appended(),
		Recovered:  t.recovered,
	}
	if t.last != nil {
		resp.Selection = t.last.Selection
		resp.Model = t.last.Model
	}

	l.logger.Info("turn completed",
		"thread", resp.ThreadID,
		"iterations", resp.Iterations,
		"appended", resp.Appended,
		"recovered", resp.Recovered != nil,
		"elapsed", l.now().Sub(start).Round(time.Millisecond),
	)
	return resp
}

func outcome(resp *Response, err error) string {
	switch {
	case err != nil:
		if k := KindOf(err); k != "" {
			return string(k)
		}
		return "error"
	case resp != nil && resp.Recovered != nil:
		return "recovered"
	default:
		return "ok"
	}
}
