package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/skywang16/orbitx/internal/agent"
	"github.com/skywang16/orbitx/internal/checkpoint"
	"github.com/skywang16/orbitx/internal/commands"
	"github.com/skywang16/orbitx/internal/completion"
	"github.com/skywang16/orbitx/internal/events"
	"github.com/skywang16/orbitx/internal/mux"
	"github.com/skywang16/orbitx/internal/observability"
	"github.com/skywang16/orbitx/internal/providers"
	"github.com/skywang16/orbitx/internal/shell"
	"github.com/skywang16/orbitx/internal/storage"
	"github.com/skywang16/orbitx/internal/theme"
	"github.com/skywang16/orbitx/internal/tools"
	"github.com/skywang16/orbitx/internal/vector"
)

// historyAdapter feeds the completion history provider from the storage
// repository.
type historyAdapter struct {
	repo *storage.CompletionHistoryRepo
}

func (h historyAdapter) FindByPrefix(ctx context.Context, prefix string, limit int64) ([]completion.HistoryEntry, error) {
	rows, err := h.repo.FindByPrefix(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}
	out := make([]completion.HistoryEntry, len(rows))
	for i, row := range rows {
		out[i] = completion.HistoryEntry{Command: row.Command, UseCount: row.UseCount}
	}
	return out, nil
}

func resolvePaths() (*storage.Paths, error) {
	if dataDir != "" {
		return storage.NewPaths(dataDir), nil
	}
	if env := os.Getenv("ORBITX_DATA_DIR"); env != "" {
		return storage.NewPaths(env), nil
	}
	return storage.DefaultPaths()
}

func runBackend() {
	setupLogging()
	ctx := context.Background()

	otelShutdown, err := observability.Setup(ctx, "orbitx-backend", Version)
	if err != nil {
		slog.Error("otel setup failed", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	paths, err := resolvePaths()
	if err != nil {
		slog.Error("resolve data directory", "error", err)
		os.Exit(1)
	}
	if err := paths.EnsureDirs(); err != nil {
		slog.Error("prepare data directory", "error", err)
		os.Exit(1)
	}

	// Storage façade: config, session state, database, repositories.
	configStore, err := storage.OpenConfigStore(paths)
	if err != nil {
		slog.Error("open config", "error", err)
		os.Exit(1)
	}
	stopWatch, err := configStore.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	db, err := storage.OpenDatabase(ctx, paths.DatabaseFile())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	secrets := storage.NewSecretBox(paths.Root)
	if pw := os.Getenv("ORBITX_MASTER_PASSWORD"); pw != "" {
		secrets.SetMasterPassword(pw)
	}
	repos := storage.NewRepositories(db, secrets)
	sessions := storage.NewSessionStore(paths)

	bus := events.NewBus()

	// Terminal multiplexer + shell integration.
	terminalMux := mux.NewTerminalMux(mux.DefaultBatchConfig())
	scriptGen := shell.NewScriptGenerator(shell.DefaultScriptConfig())
	shellManager := shell.NewManager(terminalMux, scriptGen)
	terminalMux.AddOutputTap(shellManager)
	terminalMux.AddNotifier(func(n mux.Notification) {
		switch v := n.(type) {
		case mux.PaneExited:
			payload := map[string]any{"subsystem": "mux", "pane_id": v.PaneID}
			if v.ExitCode != nil {
				payload["exit_code"] = *v.ExitCode
			}
			bus.Publish(events.New(events.SystemMessage, "", 0, payload))
		case mux.DroppedBytes:
			bus.Publish(events.New(events.StatusUpdate, "", 0, map[string]any{
				"subsystem": "mux", "pane_id": v.PaneID, "dropped_chunks": v.Count,
			}))
		}
	})

	// Checkpoint engine + scheduled blob GC.
	blobStore := checkpoint.NewBlobStore(db, checkpoint.DefaultConfig())
	checkpoints := checkpoint.NewEngine(db, blobStore)
	gcSchedule := ""
	if terminal, err := configStore.GetSection(storage.SectionTerminal); err == nil {
		gcSchedule, _ = terminal["checkpoint_gc_schedule"].(string)
	}
	sweeper, err := checkpoint.NewGCSweeper(checkpoints, gcSchedule)
	if err != nil {
		slog.Error("invalid checkpoint gc schedule", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Completion engine with the full provider set.
	analyzer := completion.NewOutputAnalyzer()
	engine := completion.NewEngine(completion.DefaultEngineConfig())
	engine.AddProvider(completion.NewContextAwareProvider(analyzer))
	engine.AddProvider(completion.GitProvider{})
	engine.AddProvider(completion.NpmProvider{})
	engine.AddProvider(completion.NewHistoryProvider(historyAdapter{repo: repos.CompletionHistory}))
	engine.AddProvider(completion.FilesystemProvider{})
	engine.AddProvider(completion.SystemCommandsProvider{})

	// Shell events feed completion learning and the entity analyzer.
	shellManager.AddEventHandler(func(ev shell.Event) {
		if ev.Kind != shell.EventCommandEnd || ev.Command == nil || ev.Command.CommandLine == "" {
			return
		}
		if err := repos.CompletionHistory.Record(ctx, ev.Command.CommandLine, ev.Command.WorkingDirectory); err != nil {
			slog.Debug("completion history record failed", "error", err)
		}
	})

	// Agent executor with builtin tools.
	toolReg := tools.NewRegistry(tools.PermFileSystem, tools.PermNetwork)
	for _, tool := range []tools.Tool{
		tools.ReadFileTool{},
		tools.WriteFileTool{},
		tools.InsertContentTool{},
		tools.GrepSearchTool{},
		tools.NewTodoWriteTool(),
		tools.NewWebFetchTool(),
	} {
		if err := toolReg.Register(tool); err != nil {
			slog.Error("tool registration failed", "tool", tool.Name(), "error", err)
			os.Exit(1)
		}
	}
	registry := providers.NewRegistry(repos.AIModels)
	executor := agent.NewExecutor(agent.DefaultConfig(), repos, registry, toolReg, bus, checkpoints)
	defer executor.Shutdown()

	// Vector indexes are opened lazily per workspace. Embedding providers
	// plug in externally; until one is configured the index surface reports
	// a config error instead of indexing garbage.
	var (
		indexMu sync.Mutex
		indexes = map[string]*vector.Index{}
	)
	openIndex := func(workspace string) (*vector.Index, error) {
		indexMu.Lock()
		defer indexMu.Unlock()
		if idx, ok := indexes[workspace]; ok {
			return idx, nil
		}
		embedder, err := resolveEmbedder(configStore)
		if err != nil {
			return nil, err
		}
		idx, err := vector.Open(workspace, embedder, vector.DefaultChunkerConfig())
		if err != nil {
			return nil, err
		}
		indexes[workspace] = idx
		return idx, nil
	}

	service := &commands.Service{
		Mux:             terminalMux,
		Shell:           shellManager,
		Executor:        executor,
		Checkpoints:     checkpoints,
		Completion:      engine,
		Analyzer:        analyzer,
		Config:          configStore,
		Theme:           theme.NewService(configStore),
		Repos:           repos,
		Bus:             bus,
		OpenVectorIndex: openIndex,
	}
	_ = service // handed to the desktop shell's IPC binding layer

	// Restore the previous session; a corrupt file degrades to empty state.
	if state, err := sessions.Load(); err != nil {
		slog.Warn("session load failed", "error", err)
	} else if state != nil {
		slog.Info("session restored", "tabs", len(state.Tabs))
	}

	slog.Info("orbitx backend ready", "data_dir", paths.Root, "version", Version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	terminalMux.Shutdown()
}
