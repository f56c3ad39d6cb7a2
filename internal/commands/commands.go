// Package commands is the typed command boundary between the desktop shell
// and the backend subsystems. Every operation returns an ApiResult carrying
// either data or a stable code/message pair; panics are recovered and
// converted, never propagated to the host.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skywang16/orbitx/internal/agent"
	"github.com/skywang16/orbitx/internal/checkpoint"
	"github.com/skywang16/orbitx/internal/completion"
	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/events"
	"github.com/skywang16/orbitx/internal/mux"
	"github.com/skywang16/orbitx/internal/shell"
	"github.com/skywang16/orbitx/internal/storage"
	"github.com/skywang16/orbitx/internal/theme"
	"github.com/skywang16/orbitx/internal/vector"
)

// ApiResult is the uniform command response envelope.
type ApiResult[T any] struct {
	OK      bool   `json:"ok"`
	Data    T      `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func success[T any](data T) ApiResult[T] {
	return ApiResult[T]{OK: true, Data: data}
}

func failure[T any](err error) ApiResult[T] {
	return ApiResult[T]{
		OK:      false,
		Code:    string(errdef.KindOf(err)),
		Message: err.Error(),
	}
}

// run executes a command body with panic recovery.
func run[T any](name string, fn func() (T, error)) (result ApiResult[T]) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command panicked", "command", name, "panic", r)
			result = failure[T](errdef.New(errdef.KindUnknown, "internal error in %s", name))
		}
	}()
	data, err := fn()
	if err != nil {
		return failure[T](err)
	}
	return success(data)
}

// Empty is the unit payload for commands without data.
type Empty struct{}

// Service exposes the command surface over the wired subsystems.
type Service struct {
	Mux         *mux.TerminalMux
	Shell       *shell.Manager
	Executor    *agent.Executor
	Checkpoints *checkpoint.Engine
	Completion  *completion.Engine
	Analyzer    *completion.OutputAnalyzer
	Config      *storage.ConfigStore
	Theme       *theme.Service
	Repos       *storage.Repositories
	Bus         *events.Bus

	// OpenVectorIndex resolves a workspace's vector index lazily; indexes
	// are created on first use.
	OpenVectorIndex func(workspace string) (*vector.Index, error)
}

// ---- pane.* ----

type CreatePaneRequest struct {
	Shell string `json:"shell"`
	Cwd   string `json:"cwd,omitempty"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

func (s *Service) PaneCreate(req CreatePaneRequest) ApiResult[mux.PaneID] {
	return run("pane.create", func() (mux.PaneID, error) {
		spec := mux.PaneSpec{Shell: req.Shell, Cwd: req.Cwd, Cols: req.Cols, Rows: req.Rows}
		for k, v := range shell.NewScriptGenerator(shell.DefaultScriptConfig()).EnvVars() {
			spec.Env = append(spec.Env, k+"="+v)
		}
		return s.Mux.CreatePane(spec)
	})
}

func (s *Service) PaneWrite(id mux.PaneID, data []byte) ApiResult[Empty] {
	return run("pane.write", func() (Empty, error) {
		return Empty{}, s.Mux.Write(id, data)
	})
}

func (s *Service) PaneResize(id mux.PaneID, cols, rows uint16) ApiResult[Empty] {
	return run("pane.resize", func() (Empty, error) {
		return Empty{}, s.Mux.Resize(id, cols, rows)
	})
}

func (s *Service) PaneClose(id mux.PaneID) ApiResult[Empty] {
	return run("pane.close", func() (Empty, error) {
		s.Mux.ClosePane(id)
		return Empty{}, nil
	})
}

func (s *Service) PaneList() ApiResult[[]mux.PaneID] {
	return run("pane.list", func() ([]mux.PaneID, error) {
		return s.Mux.ListPanes(), nil
	})
}

// ---- shell.* ----

func (s *Service) ShellSetup(id mux.PaneID, silent bool) ApiResult[Empty] {
	return run("shell.setup", func() (Empty, error) {
		if !s.Mux.PaneExists(id) {
			return Empty{}, errdef.New(errdef.KindPane, "pane %d does not exist", id)
		}
		return Empty{}, s.Shell.Setup(id, silent)
	})
}

func (s *Service) ShellUpdateCwd(id mux.PaneID, cwd string) ApiResult[Empty] {
	return run("shell.update_cwd", func() (Empty, error) {
		if !s.Mux.PaneExists(id) {
			return Empty{}, errdef.New(errdef.KindPane, "pane %d does not exist", id)
		}
		s.Shell.UpdateCwd(id, cwd)
		return Empty{}, nil
	})
}

func (s *Service) ShellIsIntegrated(id mux.PaneID) ApiResult[bool] {
	return run("shell.is_integrated", func() (bool, error) {
		return s.Shell.IsIntegrated(id), nil
	})
}

func (s *Service) ShellState(id mux.PaneID) ApiResult[*shell.PaneState] {
	return run("shell.state", func() (*shell.PaneState, error) {
		return s.Shell.GetState(id)
	})
}

func (s *Service) ShellHistory(id mux.PaneID) ApiResult[[]shell.CommandInfo] {
	return run("shell.history", func() ([]shell.CommandInfo, error) {
		return s.Shell.GetHistory(id), nil
	})
}

func (s *Service) ShellCurrentCommand(id mux.PaneID) ApiResult[*shell.CommandInfo] {
	return run("shell.current_command", func() (*shell.CommandInfo, error) {
		return s.Shell.GetCurrentCommand(id), nil
	})
}

// ---- agent.* ----

func (s *Service) AgentExecute(ctx context.Context, req agent.ExecuteRequest) ApiResult[string] {
	return run("agent.execute", func() (string, error) {
		taskID, err := s.Executor.ExecuteTask(ctx, req)
		s.audit(ctx, "agent.execute", "agent_tasks", taskID, err == nil, errText(err))
		return taskID, err
	})
}

func (s *Service) AgentPause(taskID string) ApiResult[Empty] {
	return run("agent.pause", func() (Empty, error) {
		return Empty{}, s.Executor.Pause(taskID)
	})
}

func (s *Service) AgentResume(taskID string) ApiResult[Empty] {
	return run("agent.resume", func() (Empty, error) {
		return Empty{}, s.Executor.Resume(taskID)
	})
}

func (s *Service) AgentCancel(taskID string) ApiResult[Empty] {
	return run("agent.cancel", func() (Empty, error) {
		return Empty{}, s.Executor.Cancel(taskID)
	})
}

func (s *Service) AgentList(ctx context.Context) ApiResult[[]*storage.AgentTask] {
	return run("agent.list", func() ([]*storage.AgentTask, error) {
		return s.Executor.ListTasks(ctx)
	})
}

func (s *Service) AgentGetRules() ApiResult[string] {
	return run("agent.rules.get", func() (string, error) {
		return s.Executor.GetUserRules(), nil
	})
}

func (s *Service) AgentSetRules(rules string) ApiResult[Empty] {
	return run("agent.rules.set", func() (Empty, error) {
		s.Executor.SetUserRules(rules)
		return Empty{}, nil
	})
}

// ---- checkpoint.* ----

func (s *Service) CheckpointCreate(ctx context.Context, workspace string, parent *int64) ApiResult[int64] {
	return run("checkpoint.create", func() (int64, error) {
		return s.Checkpoints.Create(ctx, workspace, parent, nil)
	})
}

func (s *Service) CheckpointList(ctx context.Context, workspace string) ApiResult[[]*checkpoint.Meta] {
	return run("checkpoint.list", func() ([]*checkpoint.Meta, error) {
		return s.Checkpoints.List(ctx, workspace)
	})
}

func (s *Service) CheckpointRollback(ctx context.Context, id int64) ApiResult[Empty] {
	return run("checkpoint.rollback", func() (Empty, error) {
		return Empty{}, s.Checkpoints.Rollback(ctx, id)
	})
}

func (s *Service) CheckpointDiff(ctx context.Context, a, b int64) ApiResult[[]checkpoint.FileChange] {
	return run("checkpoint.diff", func() ([]checkpoint.FileChange, error) {
		return s.Checkpoints.Diff(ctx, a, b)
	})
}

func (s *Service) CheckpointDiffWithCurrent(ctx context.Context, id int64) ApiResult[[]checkpoint.FileChange] {
	return run("checkpoint.diff_with_current", func() ([]checkpoint.FileChange, error) {
		return s.Checkpoints.DiffWithCurrent(ctx, id)
	})
}

func (s *Service) CheckpointFileContent(ctx context.Context, id int64, path string) ApiResult[[]byte] {
	return run("checkpoint.file_content", func() ([]byte, error) {
		return s.Checkpoints.GetFileContent(ctx, id, path)
	})
}

func (s *Service) CheckpointDelete(ctx context.Context, id int64) ApiResult[Empty] {
	return run("checkpoint.delete", func() (Empty, error) {
		err := s.Checkpoints.Delete(ctx, id)
		s.audit(ctx, "checkpoint.delete", "checkpoints", fmt.Sprint(id), err == nil, errText(err))
		return Empty{}, err
	})
}

// ---- vector.* ----

func (s *Service) VectorBuild(ctx context.Context, workspace string) ApiResult[vector.Status] {
	return run("vector.build", func() (vector.Status, error) {
		idx, err := s.OpenVectorIndex(workspace)
		if err != nil {
			return vector.Status{}, err
		}
		progress := func(processed, total int, file string) {
			s.Bus.Publish(events.New(events.StatusUpdate, "", 0, map[string]any{
				"subsystem": "vector",
				"processed": processed,
				"total":     total,
				"file":      file,
			}))
		}
		if err := idx.Build(ctx, progress); err != nil {
			return vector.Status{}, err
		}
		status := idx.Status()
		err = s.Repos.VectorWorkspaces.Save(ctx, &storage.VectorWorkspace{
			WorkspacePath:  workspace,
			IndexDir:       idx.Dir(),
			EmbeddingModel: status.Model,
			VectorDim:      status.Dim,
			FileCount:      status.TotalFiles,
			ChunkCount:     status.TotalChunks,
		})
		return status, err
	})
}

func (s *Service) VectorStatus(workspace string) ApiResult[vector.Status] {
	return run("vector.status", func() (vector.Status, error) {
		idx, err := s.OpenVectorIndex(workspace)
		if err != nil {
			return vector.Status{}, err
		}
		return idx.Status(), nil
	})
}

func (s *Service) VectorSearch(ctx context.Context, workspace string, opts vector.SearchOptions) ApiResult[[]vector.SearchResult] {
	return run("vector.search", func() ([]vector.SearchResult, error) {
		idx, err := s.OpenVectorIndex(workspace)
		if err != nil {
			return nil, err
		}
		return idx.Search(ctx, opts)
	})
}

func (s *Service) VectorUpdate(ctx context.Context, workspace, relPath string) ApiResult[Empty] {
	return run("vector.update", func() (Empty, error) {
		idx, err := s.OpenVectorIndex(workspace)
		if err != nil {
			return Empty{}, err
		}
		return Empty{}, idx.Update(ctx, relPath)
	})
}

func (s *Service) VectorRemove(workspace, relPath string) ApiResult[Empty] {
	return run("vector.remove", func() (Empty, error) {
		idx, err := s.OpenVectorIndex(workspace)
		if err != nil {
			return Empty{}, err
		}
		return Empty{}, idx.Remove(relPath)
	})
}

func (s *Service) VectorDeleteWorkspace(ctx context.Context, workspace string) ApiResult[Empty] {
	return run("vector.delete_workspace", func() (Empty, error) {
		idx, err := s.OpenVectorIndex(workspace)
		if err != nil {
			return Empty{}, err
		}
		if err := idx.Clear(); err != nil {
			return Empty{}, err
		}
		return Empty{}, s.Repos.VectorWorkspaces.Delete(ctx, workspace)
	})
}

// ---- completion.* ----

func (s *Service) CompletionGet(ctx context.Context, input string, cursor int, workingDirectory string) ApiResult[*completion.Response] {
	return run("completion.get", func() (*completion.Response, error) {
		return s.Completion.Complete(ctx, completion.NewContext(input, cursor, workingDirectory))
	})
}

func (s *Service) CompletionClearCache(ctx context.Context) ApiResult[Empty] {
	return run("completion.clear_cache", func() (Empty, error) {
		s.Analyzer.Clear()
		return Empty{}, s.Repos.CompletionHistory.Clear(ctx)
	})
}

type CompletionStats struct {
	ProviderCount int `json:"provider_count"`
}

func (s *Service) CompletionStats() ApiResult[CompletionStats] {
	return run("completion.stats", func() (CompletionStats, error) {
		return CompletionStats{ProviderCount: s.Completion.ProviderCount()}, nil
	})
}

// ---- config.* ----

func (s *Service) ConfigGet(section string) ApiResult[map[string]any] {
	return run("config.get", func() (map[string]any, error) {
		return s.Config.GetSection(storage.ConfigSection(section))
	})
}

func (s *Service) ConfigUpdate(section string, values map[string]any) ApiResult[Empty] {
	return run("config.update", func() (Empty, error) {
		err := s.Config.UpdateSection(storage.ConfigSection(section), values)
		s.audit(context.Background(), "config.update", "config", section, err == nil, errText(err))
		return Empty{}, err
	})
}

func (s *Service) ConfigValidate(section string, values map[string]any) ApiResult[Empty] {
	return run("config.validate", func() (Empty, error) {
		return Empty{}, s.Config.Validate(storage.ConfigSection(section), values)
	})
}

func (s *Service) ConfigReset(section string) ApiResult[Empty] {
	return run("config.reset", func() (Empty, error) {
		return Empty{}, s.Config.ResetSection(storage.ConfigSection(section))
	})
}

func (s *Service) ThemeActive(systemDark bool) ApiResult[string] {
	return run("config.theme", func() (string, error) {
		return s.Theme.Active(systemDark)
	})
}

// audit writes one log row for a mutating command; failures only log.
func (s *Service) audit(ctx context.Context, operation, table, recordID string, success bool, errMsg string) {
	if s.Repos == nil {
		return
	}
	if _, err := s.Repos.AuditLogs.LogEvent(ctx, &storage.AuditLog{
		Operation: operation,
		Table:     table,
		RecordID:  recordID,
		Details:   fmt.Sprintf("command %s", operation),
		Success:   success,
		Error:     errMsg,
	}); err != nil {
		slog.Warn("audit log write failed", "operation", operation, "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
