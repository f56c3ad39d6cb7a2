package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skywang16/orbitx/internal/checkpoint"
	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/events"
	"github.com/skywang16/orbitx/internal/providers"
	"github.com/skywang16/orbitx/internal/storage"
	"github.com/skywang16/orbitx/internal/tools"
)

// Config tunes the executor.
type Config struct {
	MaxIterations int
	MaxErrorCount int
	// ToolDrainWindow is how long a cancelled task lets its active tool
	// finish before the result is recorded as cancelled.
	ToolDrainWindow time.Duration
	Summarizer      SummarizerConfig
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:   25,
		MaxErrorCount:   5,
		ToolDrainWindow: 2 * time.Second,
		Summarizer:      DefaultSummarizerConfig(),
	}
}

// ExecuteRequest starts a task.
type ExecuteRequest struct {
	ConversationID int64
	Workspace      string
	UserPrompt     string
	ModelID        string // empty = default model
}

// Executor owns the agent task registry and drives task loops in background
// goroutines.
type Executor struct {
	cfg         Config
	repos       *storage.Repositories
	registry    *providers.Registry
	tools       *tools.Registry
	bus         *events.Bus
	checkpoints *checkpoint.Engine // nil disables pre-change snapshots
	summarizer  *Summarizer
	snapshots   *snapshotter
	tracer      trace.Tracer
	rules       userRules

	mu    sync.Mutex
	tasks map[string]*taskHandle
	wg    sync.WaitGroup
}

func NewExecutor(cfg Config, repos *storage.Repositories, registry *providers.Registry, toolReg *tools.Registry, bus *events.Bus, checkpoints *checkpoint.Engine) *Executor {
	return &Executor{
		cfg:         cfg,
		repos:       repos,
		registry:    registry,
		tools:       toolReg,
		bus:         bus,
		checkpoints: checkpoints,
		summarizer:  NewSummarizer(cfg.Summarizer, repos.Summaries),
		snapshots:   &snapshotter{repo: repos.Snapshots},
		tracer:      otel.Tracer("orbitx/agent"),
		tasks:       make(map[string]*taskHandle),
	}
}

// GetUserRules returns the operator rules injected into system prompts.
func (e *Executor) GetUserRules() string { return e.rules.Get() }

// SetUserRules replaces the operator rules.
func (e *Executor) SetUserRules(rules string) { e.rules.Set(rules) }

// ExecuteTask persists the task row and starts the loop in the background,
// returning the task id immediately.
func (e *Executor) ExecuteTask(ctx context.Context, req ExecuteRequest) (string, error) {
	if req.UserPrompt == "" {
		return "", errdef.New(errdef.KindValidation, "empty user prompt")
	}

	taskID := uuid.NewString()
	task := &storage.AgentTask{
		TaskID:         taskID,
		ConversationID: req.ConversationID,
		WorkspacePath:  req.Workspace,
		UserPrompt:     req.UserPrompt,
		Status:         storage.TaskCreated,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.repos.AgentTasks.Save(ctx, task); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	handle := newTaskHandle(taskID, cancel)

	e.mu.Lock()
	e.tasks[taskID] = handle
	e.mu.Unlock()

	e.emit(events.TaskCreated, taskID, 0, map[string]any{"conversation_id": req.ConversationID})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTask(runCtx, handle, req)
	}()
	return taskID, nil
}

// Pause gates the task at its next iteration boundary.
func (e *Executor) Pause(taskID string) error {
	handle, err := e.handle(taskID)
	if err != nil {
		return err
	}
	if !handle.pause() {
		return errdef.New(errdef.KindValidation, "task %s cannot be paused", taskID)
	}
	_ = e.repos.AgentTasks.UpdateStatus(context.Background(), taskID, storage.TaskPaused)
	e.emit(events.TaskPaused, taskID, 0, nil)
	return nil
}

// Resume releases a paused task.
func (e *Executor) Resume(taskID string) error {
	handle, err := e.handle(taskID)
	if err != nil {
		return err
	}
	if !handle.unpause() {
		return errdef.New(errdef.KindValidation, "task %s is not paused", taskID)
	}
	_ = e.repos.AgentTasks.UpdateStatus(context.Background(), taskID, storage.TaskRunning)
	e.emit(events.TaskResumed, taskID, 0, nil)
	return nil
}

// Cancel sets the task's cancellation token. The loop emits TaskCancelled
// once it unwinds; a paused task is released first so it can observe the
// cancel.
func (e *Executor) Cancel(taskID string) error {
	handle, err := e.handle(taskID)
	if err != nil {
		return err
	}
	handle.unpause()
	handle.cancel(errCancelled)
	return nil
}

// ListTasks returns all persisted tasks.
func (e *Executor) ListTasks(ctx context.Context) ([]*storage.AgentTask, error) {
	return e.repos.AgentTasks.FindAll(ctx)
}

// Shutdown waits for running loops to finish after cancelling them.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	for _, h := range e.tasks {
		h.cancel(errCancelled)
		h.unpause()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) handle(taskID string) (*taskHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[taskID]
	if !ok {
		return nil, errdef.New(errdef.KindNotFound, "task %s", taskID)
	}
	return h, nil
}

func (e *Executor) emit(t events.Type, taskID string, iteration uint32, payload map[string]any) {
	e.bus.Publish(events.New(t, taskID, iteration, payload))
}

// runTask is the task loop. Each iteration executes the tool calls requested
// by the previous response, then issues the next LLM request; events for an
// iteration therefore flow ToolUse → ToolResult → Text/Thinking → FinalAnswer
// → Finish.
func (e *Executor) runTask(ctx context.Context, handle *taskHandle, req ExecuteRequest) {
	taskID := handle.taskID
	bg := context.Background() // persistence continues after cancel

	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent task panicked", "task", taskID, "panic", r)
			e.finishWithError(bg, handle, 0, fmt.Errorf("internal panic: %v", r))
		}
		e.mu.Lock()
		delete(e.tasks, taskID)
		e.mu.Unlock()
	}()

	provider, contextWindow, err := e.registry.Resolve(bg, req.ModelID)
	if err != nil {
		e.finishWithError(bg, handle, 0, err)
		return
	}

	handle.setStatus(storage.TaskRunning)
	_ = e.repos.AgentTasks.UpdateStatus(bg, taskID, storage.TaskRunning)
	e.emit(events.StatusChanged, taskID, 0, map[string]any{"status": string(storage.TaskRunning)})
	e.emit(events.TaskStarted, taskID, 0, nil)

	taskCtx, span := e.tracer.Start(ctx, "agent.task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int64("conversation.id", req.ConversationID),
	))
	defer span.End()

	tc := &tools.TaskContext{
		TaskID:    taskID,
		Workspace: req.Workspace,
	}
	if e.checkpoints != nil && req.Workspace != "" {
		tc.Snapshot = func(ctx context.Context, label string) error {
			_, err := e.checkpoints.Create(ctx, req.Workspace, nil, map[string]any{"label": label, "task_id": taskID})
			return err
		}
	}

	messages := e.buildInitialMessages(bg, req)
	var (
		pendingCalls  []providers.ToolCall
		totalUsage    providers.Usage
		errorCount    int
		msgsSinceSnap = len(messages)
		forceFullSnap bool
	)

	for iteration := uint32(1); iteration <= uint32(e.cfg.MaxIterations); iteration++ {
		if !handle.waitIfPaused(taskCtx) || taskCtx.Err() != nil {
			e.finishCancelled(bg, handle, iteration)
			return
		}

		// 1. Execute tool calls requested by the previous response.
		for _, call := range pendingCalls {
			result, ok := e.executeToolCall(taskCtx, handle, tc, iteration, call)
			if !ok {
				e.finishCancelled(bg, handle, iteration)
				return
			}
			toolMsg := providers.Message{
				Role:       "tool",
				Content:    result.ForLLM(),
				ToolCallID: call.ID,
			}
			messages = append(messages, toolMsg)
			msgsSinceSnap++

			if result.IsError {
				errorCount++
				recoverable := errorCount < e.cfg.MaxErrorCount
				e.emit(events.TaskError, taskID, iteration, map[string]any{
					"error":          result.ForLLM(),
					"is_recoverable": recoverable,
					"error_count":    errorCount,
				})
				_ = e.repos.AgentTasks.UpdateProgress(bg, taskID, iteration, errorCount)
				if !recoverable {
					e.finishWithError(bg, handle, iteration, fmt.Errorf("tool error count exceeded %d", e.cfg.MaxErrorCount))
					return
				}
			}
		}
		pendingCalls = nil

		// 2. Compact the conversation when it approaches the window.
		if e.summarizer.ShouldCompress(messages, contextWindow) {
			messages = e.compact(taskCtx, provider, req, messages)
			forceFullSnap = true
		}

		// 3. Issue the next LLM request, streaming deltas as events.
		streamID := uuid.NewString()
		resp, err := streamChat(taskCtx, provider, providers.ChatRequest{
			Messages: messages,
			Tools:    e.tools.ProviderDefs(),
			Options: map[string]any{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}, func(chunk providers.StreamChunk) {
			switch {
			case chunk.Done:
				e.emit(events.Text, taskID, iteration, map[string]any{"stream_id": streamID, "stream_done": true})
			case chunk.Thinking != "":
				e.emit(events.Thinking, taskID, iteration, map[string]any{"stream_id": streamID, "delta": chunk.Thinking})
			case chunk.Content != "":
				e.emit(events.Text, taskID, iteration, map[string]any{"stream_id": streamID, "delta": chunk.Content})
			}
		})
		if err != nil {
			if errors.Is(err, errCancelled) || taskCtx.Err() != nil {
				e.finishCancelled(bg, handle, iteration)
				return
			}
			// Transient retries already happened inside the provider.
			e.finishWithError(bg, handle, iteration, err)
			return
		}
		totalUsage.Add(resp.Usage)

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		msgsSinceSnap++

		// 4. Persist progress: snapshot + task row.
		if err := e.snapshots.save(bg, taskID, iteration, messages, msgsSinceSnap, forceFullSnap); err != nil {
			slog.Warn("context snapshot failed", "task", taskID, "error", err)
		} else {
			msgsSinceSnap = 0
			forceFullSnap = false
		}
		_ = e.repos.AgentTasks.UpdateProgress(bg, taskID, iteration, errorCount)

		// 5. Done, or loop with the new tool calls.
		if len(resp.ToolCalls) == 0 {
			e.persistFinalMessage(bg, req.ConversationID, resp.Content)
			e.emit(events.FinalAnswer, taskID, iteration, map[string]any{"content": resp.Content})
			e.emit(events.Finish, taskID, iteration, map[string]any{"usage": totalUsage})
			handle.setStatus(storage.TaskCompleted)
			_ = e.repos.AgentTasks.UpdateStatus(bg, taskID, storage.TaskCompleted)
			e.emit(events.TaskCompleted, taskID, iteration, nil)
			return
		}
		pendingCalls = resp.ToolCalls
	}

	e.finishWithError(bg, handle, uint32(e.cfg.MaxIterations), fmt.Errorf("max iterations (%d) reached", e.cfg.MaxIterations))
}

// executeToolCall persists and runs a single tool call. Exactly one call per
// task is Running at a time. Returns ok=false when the task was cancelled
// and the call recorded as such.
func (e *Executor) executeToolCall(ctx context.Context, handle *taskHandle, tc *tools.TaskContext, iteration uint32, call providers.ToolCall) (*tools.Result, bool) {
	taskID := handle.taskID
	bg := context.Background()
	argsJSON, _ := json.Marshal(call.Arguments)

	e.emit(events.ToolPreparing, taskID, iteration, map[string]any{"call_id": call.ID, "tool": call.Name})

	record := &storage.ToolCallRecord{
		CallID:    call.ID,
		TaskID:    taskID,
		ToolName:  call.Name,
		Arguments: string(argsJSON),
		Status:    storage.ToolCallPending,
	}
	if err := e.repos.ToolCalls.Save(bg, record); err != nil {
		slog.Warn("tool call persist failed", "task", taskID, "error", err)
	}

	record.Status = storage.ToolCallRunning
	record.StartedAt = time.Now().UTC()
	_ = e.repos.ToolCalls.Save(bg, record)
	e.emit(events.ToolUse, taskID, iteration, map[string]any{"call_id": call.ID, "tool": call.Name, "arguments": call.Arguments})

	_, span := e.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))

	// Run the tool in its own goroutine so a cancel can grant a bounded
	// drain window instead of blocking the loop.
	type toolOutcome struct{ result *tools.Result }
	done := make(chan toolOutcome, 1)
	go func() {
		done <- toolOutcome{result: e.tools.Execute(ctx, tc, call.Name, call.Arguments)}
	}()

	var result *tools.Result
	select {
	case out := <-done:
		result = out.result
	case <-ctx.Done():
		select {
		case out := <-done:
			result = out.result
		case <-time.After(e.cfg.ToolDrainWindow):
			span.End()
			_ = e.repos.ToolCalls.UpdateStatus(bg, call.ID, storage.ToolCallError, "", "cancelled")
			return nil, false
		}
	}
	span.End()

	status := storage.ToolCallCompleted
	errMsg := ""
	if result.IsError {
		status = storage.ToolCallError
		errMsg = result.ForLLM()
	}
	_ = e.repos.ToolCalls.UpdateStatus(bg, call.ID, status, result.ForLLM(), errMsg)
	e.emit(events.ToolResult, taskID, iteration, map[string]any{
		"call_id":           call.ID,
		"tool":              call.Name,
		"is_error":          result.IsError,
		"execution_time_ms": result.ExecutionTimeMS,
	})

	if ctx.Err() != nil {
		return result, false
	}
	return result, true
}

// compact runs summarization and rebuilds the message list as
// system + summary block + recent tail.
func (e *Executor) compact(ctx context.Context, provider providers.Provider, req ExecuteRequest, messages []providers.Message) []providers.Message {
	// Scope excludes the leading system prompt.
	body := messages
	var system *providers.Message
	if len(body) > 0 && body[0].Role == "system" {
		system = &body[0]
		body = body[1:]
	}

	outcome, err := e.summarizer.Summarize(ctx, provider, "", req.ConversationID, body)
	if err != nil || outcome == nil {
		if err != nil {
			slog.Warn("compaction failed entirely, keeping full context", "error", err)
		}
		return messages
	}

	_, tail := e.summarizer.splitMessages(body)
	rebuilt := make([]providers.Message, 0, len(tail)+2)
	if system != nil {
		rebuilt = append(rebuilt, *system)
	}
	rebuilt = append(rebuilt, providers.Message{
		Role:    "user",
		Content: "[Previous conversation summary]\n" + outcome.Summary,
	})
	rebuilt = append(rebuilt, sanitizeTail(tail)...)
	return rebuilt
}

// sanitizeTail drops tool messages whose tool_use pairing was cut off by the
// summary split; providers reject orphaned tool results.
func sanitizeTail(tail []providers.Message) []providers.Message {
	start := 0
	for start < len(tail) && tail[start].Role == "tool" {
		start++
	}
	return tail[start:]
}

func (e *Executor) buildInitialMessages(ctx context.Context, req ExecuteRequest) []providers.Message {
	messages := []providers.Message{{
		Role:    "system",
		Content: buildSystemPrompt(req.Workspace, e.tools.List(), e.rules.Get()),
	}}

	// Summary block from a previous compaction, if any.
	if summary, err := e.repos.Summaries.Find(ctx, req.ConversationID); err == nil {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "[Previous conversation summary]\n" + summary.SummaryText,
		})
	}

	// Conversation tail from persisted messages.
	if prior, err := e.repos.Messages.FindByConversation(ctx, req.ConversationID, 0); err == nil {
		for _, m := range prior {
			if m.Role == "user" || m.Role == "assistant" {
				messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
			}
		}
	}

	messages = append(messages, providers.Message{Role: "user", Content: req.UserPrompt})
	return messages
}

func (e *Executor) persistFinalMessage(ctx context.Context, conversationID int64, content string) {
	if conversationID == 0 || content == "" {
		return
	}
	if _, err := e.repos.Messages.Save(ctx, &storage.Message{
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        content,
		Status:         "completed",
	}); err != nil {
		slog.Warn("final message persist failed", "conversation", conversationID, "error", err)
	}
}

func (e *Executor) finishWithError(ctx context.Context, handle *taskHandle, iteration uint32, err error) {
	if !handle.setStatus(storage.TaskError) {
		return
	}
	slog.Error("agent task failed", "task", handle.taskID, "iteration", iteration, "error", err)
	_ = e.repos.AgentTasks.UpdateStatus(ctx, handle.taskID, storage.TaskError)
	e.emit(events.TaskError, handle.taskID, iteration, map[string]any{
		"error":          err.Error(),
		"is_recoverable": false,
	})
}

func (e *Executor) finishCancelled(ctx context.Context, handle *taskHandle, iteration uint32) {
	if !handle.setStatus(storage.TaskCancelled) {
		return
	}
	_ = e.repos.AgentTasks.UpdateStatus(ctx, handle.taskID, storage.TaskCancelled)
	e.emit(events.TaskCancelled, handle.taskID, iteration, nil)
}
