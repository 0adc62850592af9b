package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CodeChat/internal/backend"
	"CodeChat/internal/cache"
	"CodeChat/internal/chatbot"
	"CodeChat/internal/config"
	"CodeChat/internal/engine"
	"CodeChat/internal/events"
	"CodeChat/internal/executor"
	"CodeChat/internal/manager"
	"CodeChat/internal/mcp"
	"CodeChat/internal/settings"
	"CodeChat/internal/store"
	"CodeChat/internal/telemetry"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "codechat",
		Short:         "Chat with a local LLM and keep the code it writes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file (default: ./config.yaml or <user config dir>/codechat/config.yaml)")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir(), cfg.Debug)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logFile.Close()

	providers, err := telemetry.InitTelemetry(ctx, cfg.LogDir(), cfg.Telemetry)
	if err != nil {
		return errors.Wrap(err, "failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	logger.Info("starting", "backend", cfg.Backend, "store", cfg.StoreKind, "data_dir", cfg.DataDir)

	st, err := store.Open(cfg.StoreKind, cfg.DataDir, logger)
	if err != nil {
		return errors.Wrap(err, "failed to open session store")
	}
	defer st.Close()

	prefs, err := settings.Load(cfg.SettingsPath(), settings.Settings{
		ActiveModel:  cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}, cfg.Personas, logger)
	if err != nil {
		return errors.Wrap(err, "failed to load settings")
	}

	llm, err := newBackend(cfg, providers, logger)
	if err != nil {
		return err
	}

	exec, closeExec, err := newExecutor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeExec()

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: true},
		watermill.NewSlogLogger(logger),
	)
	defer pubSub.Close()
	sink := events.NewWatermillSink(pubSub, events.DefaultTopic, logger)

	eng, err := engine.New(engine.Config{
		Backend:        llm,
		Store:          st,
		Settings:       prefs,
		Sink:           sink,
		Executor:       exec,
		Generation:     cfg.Generation(),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to save active session on exit", "error", err)
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}()

	// without flags the engine's fresh session is used and saved on its first reply
	mgr := manager.New(st, eng, sink, logger)
	switch {
	case cfg.Ephemeral:
		if _, err := mgr.CreateTemporarySession(); err != nil {
			return err
		}
	case cfg.SessionID != "":
		// falls back to a fresh session; the REPL shows which one is active
		if _, err := mgr.OpenSession(cfg.SessionID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not open %s: %v\n", cfg.SessionID, err)
		}
	}

	renderer, err := chatbot.NewRenderer(isatty.IsTerminal(os.Stdout.Fd()), 100)
	if err != nil {
		return err
	}
	bot := chatbot.NewChatBot(eng, mgr, chatbot.Options{
		In:       os.Stdin,
		Out:      os.Stdout,
		Renderer: renderer,
		Logger:   logger,
	})
	return bot.Run(ctx, pubSub, events.DefaultTopic)
}

func newBackend(cfg config.Config, providers *telemetry.Providers, logger *slog.Logger) (backend.Backend, error) {
	var b backend.Backend
	switch cfg.Backend {
	case config.BackendOpenAI:
		b = backend.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, logger)
	default:
		b = backend.NewOllama(cfg.OllamaURL, logger)
	}

	if cfg.CacheResponses {
		b = backend.NewCached(b, cache.New(cfg.CacheTTL), logger)
	}

	instrumented, err := backend.NewInstrumented(b, cfg.Backend, providers.Tracer, providers.Meter, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to instrument backend")
	}
	return instrumented, nil
}

func newExecutor(ctx context.Context, cfg config.Config, logger *slog.Logger) (executor.Executor, func(), error) {
	if cfg.MCPServer == "" {
		return executor.NewProcessExecutor(cfg.ExecTimeout, logger), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := mcp.Dial(dialCtx, cfg.MCPServer, logger)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to connect to MCP server %s", cfg.MCPServer)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close MCP client", "error", err)
		}
	}
	return executor.NewMCPExecutor(client, cfg.MCPTool, cfg.ExecTimeout), closeFn, nil
}
