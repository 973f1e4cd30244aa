package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/auth"
	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/gateway"
	"github.com/arbor-sh/arbor/internal/hooks"
	"github.com/arbor-sh/arbor/internal/memory"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/orchestrator"
	"github.com/arbor-sh/arbor/internal/provider"
	padapters "github.com/arbor-sh/arbor/internal/provider/providers"
	"github.com/arbor-sh/arbor/internal/sandbox"
	"github.com/arbor-sh/arbor/internal/skills"
	"github.com/arbor-sh/arbor/internal/subagents"
	"github.com/arbor-sh/arbor/internal/todos"
	"github.com/arbor-sh/arbor/internal/tools"
	"github.com/arbor-sh/arbor/internal/transcribe"
	"github.com/arbor-sh/arbor/internal/workspace"
	"github.com/arbor-sh/arbor/internal/worktree"
)

// defaultConfigFile is used when --config is not given and the file
// exists in the working directory.
const defaultConfigFile = "arbor.yaml"

const shutdownTimeout = 15 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		dbPath     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the arbor server",
		Long: `Start the arbor server: the event store, provider adapters, tool
executor, hook engine and session orchestrator, fronted by the
WebSocket RPC gateway.

Graceful shutdown on SIGINT/SIGTERM.`,
		Example: `  # Defaults (arbor.yaml if present, arbor.db, loopback listener)
  arbor serve

  # Explicit config and listener
  arbor serve --config /etc/arbor/arbor.yaml --listen 0.0.0.0:8765`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen (host:port)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Override database.path (\":memory:\" for ephemeral)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(defaultConfigFile)
	}
	return config.Default(), nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics()

	traceCfg := observability.TraceConfig{ServiceName: cfg.Tracing.ServiceName}
	if cfg.Tracing.Enabled {
		traceCfg = observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: cfg.Tracing.ServiceVersion,
			Environment:    cfg.Tracing.Environment,
			Exporter:       cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		}
		if traceCfg.ServiceVersion == "" {
			traceCfg.ServiceVersion = version
		}
	}
	tracer, tracerShutdown := observability.NewTracer(traceCfg)

	// Event store. The fork view stitches branched lineages for reads;
	// the todo store shares the sqlite handle so one file carries both.
	var (
		store     events.Store
		todoStore *todos.Store
		closers   []func() error
	)
	if cfg.Database.Path == ":memory:" {
		store = events.NewMemoryStore()
		ts, err := todos.Open(":memory:")
		if err != nil {
			return err
		}
		todoStore = ts
		closers = append(closers, ts.Close)
	} else {
		ss, err := events.OpenSQLite(cfg.Database.Path, log.Slog())
		if err != nil {
			return err
		}
		store = ss
		closers = append(closers, ss.Close)
		ts, err := todos.NewWithDB(ss.DB())
		if err != nil {
			ss.Close()
			return err
		}
		todoStore = ts
	}
	view := events.NewForkView(store)
	router := orchestrator.NewRouter(view)

	creds, err := auth.NewStore(credentialsPath(cfg), log)
	if err != nil {
		return err
	}
	registry := buildProviders(ctx, cfg.Providers, creds, log)

	ctxmgr := contextmgr.New(contextmgr.Options{
		Store:      view,
		Appender:   router,
		Summarizer: agent.NewSummarizer(registry, log),
		Catalog:    registry,
		Config: contextmgr.Config{
			CompactThreshold:   cfg.Context.CompactThreshold,
			MinCompactMessages: cfg.Context.MinCompactMessages,
			TailMessages:       cfg.Context.TailMessages,
			TailTokenRatio:     cfg.Context.TailTokenRatio,
			OutputReserve:      cfg.Context.OutputReserve,
			SummaryModel:       cfg.Context.SummaryModel,
		},
		Logger:  log,
		Metrics: metrics,
	})

	engine := hooks.NewEngine(hooks.Options{
		Logger:       log,
		Metrics:      metrics,
		OnBlocking:   router.HookRecorder(false),
		OnBackground: router.HookRecorder(true),
	})
	if _, err := hooks.RegisterConfigured(engine, cfg.Hooks.Entries); err != nil {
		return err
	}

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	if cfg.Workspace.Bootstrap {
		if _, err := workspace.Bootstrap(root); err != nil {
			return err
		}
	}

	loader, err := workspace.NewLoader(workspace.Options{
		Root:     root,
		Context:  ctxmgr,
		Appender: router,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	// Workspace rules land in context before the session's first turn.
	if _, err := engine.Register(hooks.Hook{
		ID:       "workspace-rules",
		Event:    hooks.SessionStart,
		Blocking: true,
		Handler: func(ctx context.Context, p *hooks.Payload) (*hooks.Result, error) {
			_, err := loader.Apply(ctx, p.SessionID)
			return &hooks.Result{}, err
		},
	}); err != nil {
		return err
	}

	library, err := skills.NewLibrary(skills.Options{
		Dir:      resolveUnder(root, cfg.Skills.Directory),
		Watch:    cfg.Skills.Watch,
		Context:  ctxmgr,
		Appender: router,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer library.Close()
	if _, err := engine.Register(hooks.Hook{
		ID:    "skill-injection",
		Event: hooks.UserPromptSubmit,
		Handler: func(ctx context.Context, p *hooks.Payload) (*hooks.Result, error) {
			_, err := library.InjectMatched(ctx, p.SessionID, p.Prompt)
			return &hooks.Result{}, err
		},
	}); err != nil {
		return err
	}

	toolReg := buildTools(cfg, router, todoStore, log)
	executor := tools.NewExecutor(toolReg, tools.ExecutorOptions{
		MaxConcurrent:  cfg.Tools.MaxConcurrent,
		Timeout:        cfg.Tools.Timeout,
		TerminateGrace: cfg.Tools.TerminateGrace,
		Policy:         tools.NewPolicy(cfg.Tools.Policy),
		Logger:         log,
		Metrics:        metrics,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     view,
		Router:    router,
		Providers: registry,
		Context:   ctxmgr,
		Executor:  executor,
		Hooks:     engine,
		Agent:     cfg.Agent,
		Sessions:  cfg.Sessions,
		Logger:    log,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		return err
	}

	coord, err := subagents.New(subagents.Options{
		Orchestrator: orch,
		Store:        view,
		Appender:     router,
		Context:      ctxmgr,
		Config:       cfg.Subagents,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	toolReg.Register(subagents.NewTaskTool(coord))

	deps := gateway.Deps{
		Orchestrator:  orch,
		Router:        router,
		Store:         view,
		Context:       ctxmgr,
		Skills:        library,
		Todos:         todoStore,
		WorkspaceRoot: root,
		Version:       version,
		Commit:        commit,
		Logger:        log,
		Metrics:       metrics,
	}

	mem, err := memory.NewFileStore(filepath.Join(root, ".arbor", "memory.jsonl"))
	if err != nil {
		return err
	}
	deps.Memory = mem

	if cfg.Worktree.Enabled {
		wm, err := worktree.NewManager(worktree.Options{
			Repo:     root,
			Root:     resolveUnder(root, cfg.Worktree.Root),
			Appender: router,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		deps.Worktrees = wm
	}
	if svc, err := transcribe.New(cfg.Transcribe, cfg.Providers.OpenAI.APIKey, log); err == nil {
		deps.Transcriber = svc
	} else {
		log.Info(ctx, "transcription disabled", "reason", err.Error())
	}
	if cfg.Sandbox.Enabled {
		deps.Sandbox = sandbox.NewRegistry(nil, log)
	}

	srv, err := gateway.NewServer(cfg.Server, deps)
	if err != nil {
		return err
	}

	if err := orch.Start(); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	log.Info(ctx, "server started",
		"addr", srv.Addr(),
		"db", cfg.Database.Path,
		"workspace", root,
		"version", version,
	)

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "gateway shutdown", "error", err)
	}
	if err := orch.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "orchestrator shutdown", "error", err)
	}
	for _, closeStore := range closers {
		if err := closeStore(); err != nil {
			log.Warn(shutdownCtx, "store close", "error", err)
		}
	}
	if err := tracerShutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "tracer shutdown", "error", err)
	}
	return nil
}

// credentialsPath picks the credential store location: the configured
// file, or ~/.arbor/credentials.json.
func credentialsPath(cfg *config.Config) string {
	if cfg.Providers.CredentialsFile != "" {
		return cfg.Providers.CredentialsFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".arbor", "credentials.json")
	}
	return filepath.Join(home, ".arbor", "credentials.json")
}

func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// buildProviders constructs every adapter with credentials, from config
// first and the credential store second. A server with no providers
// still runs; prompts fail until one is configured.
func buildProviders(ctx context.Context, cfg config.ProvidersConfig, creds *auth.Store, log *observability.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	storeKey := func(name string) string {
		key, err := creds.Token(ctx, name)
		if err != nil {
			return ""
		}
		return key
	}
	register := func(name string, p provider.Provider, err error) {
		if err != nil {
			log.Warn(ctx, "provider not started", "provider", name, "error", err)
			return
		}
		reg.Register(p)
		log.Info(ctx, "provider registered", "provider", name)
	}

	anthropic := cfg.Anthropic
	if !anthropic.Configured() {
		anthropic.APIKey = storeKey("anthropic")
	}
	if anthropic.Configured() {
		p, err := padapters.NewAnthropicProvider(padapters.AnthropicConfig{
			APIKey:       anthropic.APIKey,
			AuthToken:    anthropic.AuthToken,
			BaseURL:      anthropic.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: anthropic.DefaultModel,
		})
		register("anthropic", p, err)
	}

	openai := cfg.OpenAI
	if !openai.Configured() {
		openai.APIKey = storeKey("openai")
	}
	if openai.Configured() {
		p, err := padapters.NewOpenAIProvider(padapters.OpenAIConfig{
			APIKey:       openai.APIKey,
			BaseURL:      openai.BaseURL,
			Organization: openai.Organization,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: openai.DefaultModel,
		})
		register("openai", p, err)
	}

	google := cfg.Google
	if !google.Configured() {
		google.APIKey = storeKey("google")
	}
	if google.Configured() {
		p, err := padapters.NewGoogleProvider(padapters.GoogleConfig{
			APIKey:       google.APIKey,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: google.DefaultModel,
		})
		register("google", p, err)
	}

	if cfg.Bedrock.Configured() {
		p, err := padapters.NewBedrockProvider(padapters.BedrockConfig{
			Region:          cfg.Bedrock.Region,
			AccessKeyID:     cfg.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Bedrock.SessionToken,
			MaxRetries:      cfg.MaxRetries,
			DefaultModel:    cfg.Bedrock.DefaultModel,
		})
		register("bedrock", p, err)
	}

	if len(reg.Models()) == 0 {
		log.Warn(ctx, "no providers configured; run `arbor login <provider>` or set providers in config")
	}
	return reg
}

// buildTools registers the built-in tools. File operations record
// themselves on the session log through the router; the session id
// rides the execution context.
func buildTools(cfg *config.Config, router *orchestrator.Router, todoStore *todos.Store, log *observability.Logger) *tools.Registry {
	fileSink := func(ctx context.Context, t events.Type, payload any) {
		sessionID := observability.GetSessionID(ctx)
		if sessionID == "" {
			return
		}
		if _, err := router.Append(ctx, sessionID, t, payload); err != nil {
			log.Warn(ctx, "file event append failed", "type", string(t), "error", err)
		}
	}

	reg := tools.NewRegistry()
	reg.Register(tools.NewBashTool(cfg.Tools.Bash))
	reg.Register(tools.NewFileReadTool(cfg.Tools.Files, fileSink))
	reg.Register(tools.NewFileWriteTool(fileSink))
	reg.Register(tools.NewFileEditTool(fileSink))
	reg.Register(tools.NewGrepTool())
	reg.Register(tools.NewLsTool())
	reg.Register(tools.NewTodoWriteTool(todoStore.Sink(), fileSink))
	return reg
}
