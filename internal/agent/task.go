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

	"github.com/haasonsaas/butler/internal/observability"
	"github.com/haasonsaas/butler/pkg/models"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskStopped  TaskStatus = "stopped"
	TaskFinished TaskStatus = "finished"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStopped || s == TaskFinished
}

// Tool result texts handed back to the model.
const (
	invalidArgumentsResult = "Tool call arguments is not valid json"
	invalidFormatResult    = "Invalid tool call format, please strictly follow the function definition"
	skippedCallResult      = "Tool call skipped because an earlier tool call in this round failed"
	stoppedCallResult      = "Task stopped before the tool call ran"
	stoppedWaitResult      = "Task stopped before the tool result was reported"
	streamFailedResult     = "Tool call was not executed because the model stream failed"
)

// TaskListener receives task events in emission order. Listeners run on the
// task's goroutine and must not block for long or call Stop synchronously.
type TaskListener func(models.TaskEvent)

// TaskOptions configures a new task.
type TaskOptions struct {
	// ID defaults to a random UUID.
	ID string

	// Prompt, when set, is appended to history as a user message.
	Prompt string

	// History is prior conversation the task continues from.
	History []models.Message

	// ExtraTools are offered on every round in addition to the registry's
	// applicable tools. Their results always come from ResolveToolCall.
	ExtraTools []ToolDefinition

	// PickTools restricts the registry tools by name. Nil means no
	// restriction; an empty slice offers none.
	PickTools []string
}

type listenerEntry struct {
	id int
	fn TaskListener
}

// Task drives the model/tool loop for one conversation.
//
// A task is pending until Start, running while rounds are in flight, and
// ends finished (the model answered without calling tools) or stopped
// (Stop, caller cancellation, or a stream error).
type Task struct {
	id     string
	svc    *Service
	logger *slog.Logger

	mu      sync.Mutex
	status  TaskStatus
	history []models.Message
	extra   []ToolDefinition
	pick    []string
	cancel  context.CancelFunc
	err     error
	stopCh  chan struct{}
	done    chan struct{}

	listenerMu sync.Mutex
	listeners  []listenerEntry
	nextID     int

	// emitMu serializes delivery and guards the open round/call bookkeeping
	// used to settle observers when the task is stopped.
	emitMu    sync.Mutex
	openRound string
	openCalls []string

	pendingMu sync.Mutex
	pending   map[string]chan any
}

func newTask(s *Service, opts TaskOptions) *Task {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	history := cloneMessages(opts.History)
	if strings.TrimSpace(opts.Prompt) != "" {
		history = append(history, models.Message{Role: models.RoleUser, Content: opts.Prompt})
	}
	var pick []string
	if opts.PickTools != nil {
		pick = append([]string{}, opts.PickTools...)
	}
	return &Task{
		id:      id,
		svc:     s,
		logger:  s.logger.With("task_id", id),
		status:  TaskPending,
		history: history,
		extra:   append([]ToolDefinition(nil), opts.ExtraTools...),
		pick:    pick,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]chan any),
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the stream error that stopped the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task will emit nothing further.
func (t *Task) Done() <-chan struct{} { return t.done }

// History returns a copy of the conversation so far.
func (t *Task) History() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneMessages(t.history)
}

// AddHistory prepends prior conversation. It is only valid before Start.
func (t *Task) AddHistory(msgs ...models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TaskPending {
		return ErrTaskNotPending
	}
	t.history = append(cloneMessages(msgs), t.history...)
	return nil
}

// SetPickTools replaces the registry tool restriction. It applies from the
// next round on.
func (t *Task) SetPickTools(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if names == nil {
		t.pick = nil
		return
	}
	t.pick = append([]string{}, names...)
}

// On registers a listener and returns a function that removes it.
func (t *Task) On(fn TaskListener) func() {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		t.listenerMu.Lock()
		defer t.listenerMu.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// Start begins the first round. It fails with ErrTaskNotPending unless the
// task is pending; a failed Start leaves a running task undisturbed.
//
// Cancelling ctx stops the task.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.status != TaskPending {
		t.mu.Unlock()
		return ErrTaskNotPending
	}
	t.status = TaskRunning
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, t.Stop)
	t.svc.metrics.TaskStarted()
	t.logger.InfoContext(ctx, "task started")

	go func() {
		defer stopWatch()
		defer cancel()
		t.run(runCtx)
	}()
	return nil
}

// Stop ends the task. Open tool calls and the open round are settled with
// synthesized end events so observers never see a permanently running item.
// Stopping a terminal task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	wasPending := t.status == TaskPending
	t.status = TaskStopped
	close(t.stopCh)
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasPending {
		close(t.done)
		return
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	for _, id := range t.openCalls {
		t.deliver(models.TaskEvent{
			Type:       models.TaskEventEndCall,
			ChatID:     t.openRound,
			ToolCallID: id,
			Result:     stoppedCallResult,
		})
	}
	t.openCalls = nil
	if t.openRound != "" {
		t.deliver(models.TaskEvent{Type: models.TaskEventEndRound, ChatID: t.openRound})
		t.openRound = ""
	}
	t.logger.Info("task stopped")
}

// ResolveToolCall reports the result of a deferred tool call. It returns
// false when no call with that id is waiting.
func (t *Task) ResolveToolCall(callID string, result any) bool {
	t.pendingMu.Lock()
	ch, ok := t.pending[callID]
	if ok {
		delete(t.pending, callID)
	}
	t.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

func (t *Task) stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *Task) emit(ev models.TaskEvent) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.Status() == TaskStopped {
		return
	}
	switch ev.Type {
	case models.TaskEventStartRound:
		t.openRound = ev.ChatID
	case models.TaskEventEndRound:
		t.openRound = ""
	case models.TaskEventStartCall:
		if ev.ToolCall != nil {
			t.openCalls = append(t.openCalls, ev.ToolCall.ID)
		}
	case models.TaskEventEndCall:
		for i, id := range t.openCalls {
			if id == ev.ToolCallID {
				t.openCalls = append(t.openCalls[:i], t.openCalls[i+1:]...)
				break
			}
		}
	}
	t.deliver(ev)
}

func (t *Task) deliver(ev models.TaskEvent) {
	t.listenerMu.Lock()
	listeners := append([]listenerEntry(nil), t.listeners...)
	t.listenerMu.Unlock()
	for _, l := range listeners {
		l.fn(ev.Clone())
	}
}

func (t *Task) appendHistory(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, msg)
}

func (t *Task) run(ctx context.Context) {
	ctx = observability.AddTaskID(ctx, t.id)
	ctx, span := t.svc.tracer.TraceTask(ctx, t.id)
	defer span.End()

	outcome := "finished"
	defer func() {
		t.svc.metrics.TaskEnded(outcome)
		close(t.done)
	}()

	t.emit(models.TaskEvent{Type: models.TaskEventStart, TaskID: t.id})

	for {
		more, err := t.round(ctx)
		if err != nil {
			t.svc.tracer.RecordError(span, err)
			t.svc.metrics.RecordError("agent", "stream")
			t.logger.ErrorContext(ctx, "task round failed", "error", err)
			t.emit(models.TaskEvent{Type: models.TaskEventError, Err: err})
			t.mu.Lock()
			t.err = err
			if t.status == TaskRunning {
				t.status = TaskStopped
				close(t.stopCh)
			}
			t.mu.Unlock()
			outcome = "error"
			return
		}
		if t.stopped() {
			outcome = "stopped"
			return
		}
		if !more {
			break
		}
	}

	t.mu.Lock()
	finished := t.status == TaskRunning
	if finished {
		t.status = TaskFinished
	}
	t.mu.Unlock()
	if !finished {
		outcome = "stopped"
		return
	}
	t.emit(models.TaskEvent{Type: models.TaskEventFinish})
	t.logger.InfoContext(ctx, "task finished")
}

// round runs one model turn and its tool calls. It reports whether another
// round should follow.
func (t *Task) round(ctx context.Context) (bool, error) {
	chatID := uuid.NewString()
	ctx = observability.AddChatID(ctx, chatID)

	t.mu.Lock()
	pick := t.pick
	extra := t.extra
	t.mu.Unlock()

	applicable, err := t.svc.tools.ApplicableTools(ctx, pick)
	if err != nil {
		return false, &StreamError{ChatID: chatID, Err: err}
	}
	tools := mergeTools(applicable, extra)

	ctx, span := t.svc.tracer.TraceRound(ctx, chatID, len(tools))
	defer span.End()

	req := t.svc.buildRequest(t.History(), tools)
	chunks, err := t.svc.complete(ctx, req)
	if err != nil {
		return false, &StreamError{ChatID: chatID, Err: err}
	}

	t.svc.metrics.RoundStarted()
	t.emit(models.TaskEvent{Type: models.TaskEventStartRound, ChatID: chatID})

	parser := NewStreamParser()
	var calls []models.ToolCall
	streamErr := ParseStream(ctx, chunks, parser, func(ev ParseEvent) {
		switch ev.Type {
		case ParseContent:
			t.emit(models.TaskEvent{Type: models.TaskEventContent, ChatID: chatID, Content: ev.Content})
		case ParseToolCall, ParseMalformed:
			calls = append(calls, *ev.ToolCall)
		}
	})

	t.appendHistory(models.Message{
		Role:      models.RoleAssistant,
		Content:   parser.Content(),
		ToolCalls: calls,
	})

	if streamErr != nil {
		if t.stopped() {
			t.answerAll(calls, stoppedCallResult)
			return false, nil
		}
		t.answerAll(calls, streamFailedResult)
		t.emit(models.TaskEvent{Type: models.TaskEventEndRound, ChatID: chatID})
		return false, &StreamError{ChatID: chatID, Err: streamErr}
	}

	dispatched := t.runCalls(ctx, chatID, calls, extra)
	if t.stopped() {
		return false, nil
	}
	t.emit(models.TaskEvent{Type: models.TaskEventEndRound, ChatID: chatID})
	return dispatched, nil
}

// answerAll gives every call a tool message without dispatching it.
func (t *Task) answerAll(calls []models.ToolCall, content string) {
	for _, call := range calls {
		t.appendHistory(toolMessage(call.ID, content))
	}
}

// runCalls processes the round's calls sequentially in the order the model
// made them. It reports whether any function call was present, which
// triggers a continuation round.
func (t *Task) runCalls(ctx context.Context, chatID string, calls []models.ToolCall, extra []ToolDefinition) bool {
	var (
		anyFunction bool
		aborted     bool
	)
	for _, call := range calls {
		if call.Kind == models.ToolCallCustom {
			t.appendHistory(toolMessage(call.ID, invalidFormatResult))
			continue
		}
		anyFunction = true

		switch {
		case t.stopped():
			t.appendHistory(toolMessage(call.ID, stoppedCallResult))
			continue
		case aborted:
			t.svc.metrics.RecordToolExecution(call.Name, toolStatusSkipped, 0)
			t.appendHistory(toolMessage(call.ID, skippedCallResult))
			continue
		}

		args := call.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
			call.Arguments = args
		}
		if !json.Valid([]byte(args)) {
			t.logger.WarnContext(ctx, "tool call arguments are not valid JSON", "tool", call.Name, "tool_call_id", call.ID)
			t.svc.metrics.RecordToolExecution(call.Name, toolStatusInvalid, 0)
			t.appendHistory(toolMessage(call.ID, invalidArgumentsResult))
			aborted = true
			continue
		}

		t.dispatch(ctx, chatID, call, extra)
	}
	return anyFunction
}

func (t *Task) dispatch(ctx context.Context, chatID string, call models.ToolCall, extra []ToolDefinition) {
	deferred := t.isDeferred(call.Name, extra)

	var wait chan any
	if deferred {
		wait = make(chan any, 1)
		t.pendingMu.Lock()
		t.pending[call.ID] = wait
		t.pendingMu.Unlock()
	}

	started := call
	t.emit(models.TaskEvent{Type: models.TaskEventStartCall, ChatID: chatID, ToolCall: &started})

	start := time.Now()
	var (
		result any
		status string
	)
	if deferred {
		select {
		case result = <-wait:
			status = toolStatusDeferred
		case <-t.stopCh:
			t.pendingMu.Lock()
			delete(t.pending, call.ID)
			t.pendingMu.Unlock()
			result, status = stoppedWaitResult, toolStatusSkipped
		}
	} else {
		toolCtx := observability.AddToolCallID(context.WithoutCancel(ctx), call.ID)
		toolCtx, span := t.svc.tracer.TraceToolExecution(toolCtx, call.Name)
		result, status = t.svc.tools.execute(toolCtx, call)
		if status != toolStatusSuccess {
			t.svc.tracer.SetAttributes(span, "tool.status", status)
		}
		span.End()
	}
	t.svc.metrics.RecordToolExecution(call.Name, status, time.Since(start))
	t.logger.DebugContext(ctx, "tool call completed", "tool", call.Name, "tool_call_id", call.ID, "status", status)

	t.appendHistory(toolMessage(call.ID, ToolResultContent(result)))
	t.emit(models.TaskEvent{
		Type:       models.TaskEventEndCall,
		ChatID:     chatID,
		ToolCallID: call.ID,
		Result:     result,
	})
}

func (t *Task) isDeferred(name string, extra []ToolDefinition) bool {
	for _, def := range extra {
		if def.Name == name {
			return true
		}
	}
	if def, ok := t.svc.tools.Get(name); ok {
		return def.Deferred()
	}
	return false
}

func toolMessage(callID, content string) models.Message {
	return models.Message{Role: models.RoleTool, ToolCallID: callID, Content: content}
}

// ToolResultContent renders a tool result as tool message content: strings
// are used as is, raw JSON strings are unquoted, everything else is JSON
// encoded.
func ToolResultContent(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		return string(v)
	case error:
		return v.Error()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(data)
}

// IsStreamError reports whether err came from a failed model round.
func IsStreamError(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}
