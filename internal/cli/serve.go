package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/orchestra/internal/checkpoint"
	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/eventbus"
	"github.com/lucasnoah/orchestra/internal/guard"
	"github.com/lucasnoah/orchestra/internal/issue"
	"github.com/lucasnoah/orchestra/internal/logging"
	"github.com/lucasnoah/orchestra/internal/metrics"
	"github.com/lucasnoah/orchestra/internal/orchestrator"
	"github.com/lucasnoah/orchestra/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator with its REST and WebSocket API",
	Long: `Run the orchestrator service. On start every non-terminal workflow in the
database is resumed at its last checkpoint. SIGINT or SIGTERM stops the HTTP
server, interrupts in-flight agent calls and leaves workflows resumable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().String("host", "", "Override server.host")
	serveCmd.Flags().Int("port", 0, "Override server.port")
}

// serve wires every component and blocks until ctx is done or the HTTP
// server fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := db.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New()

	var mirror eventbus.Mirror
	if cfg.NATS.URL != "" {
		nm, err := eventbus.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.Named("nats"))
		if err != nil {
			return err
		}
		mirror = nm
		logger.Info("mirroring events to nats", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.SubjectPrefix))
	}
	bus := eventbus.New(store, eventbus.Options{
		DeliveryTimeout: cfg.Events.DeliveryTimeout,
		Buffer:          cfg.Events.SubscriberBuffer,
		Mirror:          mirror,
		Metrics:         m,
		Logger:          logger.Named("eventbus"),
	})
	defer bus.Close()

	issues, err := issue.New(cfg.Issues)
	if err != nil {
		return fmt.Errorf("issue source: %w", err)
	}

	cp := checkpoint.New(store)
	orch := orchestrator.New(orchestrator.Options{
		Config:       cfg,
		Checkpointer: cp,
		Bus:          bus,
		Guard:        guard.New(cfg.Workflow.MaxConcurrent),
		Issues:       issues,
		Metrics:      m,
		Logger:       logger,
	})
	defer orch.Close()

	resumed, err := orch.Resume(ctx)
	if err != nil {
		return err
	}
	logger.Info("orchestrator ready", zap.Int("resumed", resumed), zap.Int("max_concurrent", cfg.Workflow.MaxConcurrent))

	srv, err := web.NewServer(orch, bus, m, logger, web.Config{
		Addr:              cfg.Server.Addr(),
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		PongGrace:         cfg.Events.PongGrace,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cp.RunJanitor(gctx, retentionPolicy(cfg), logger.Named("janitor"))
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func retentionPolicy(cfg *config.Config) checkpoint.Policy {
	return checkpoint.Policy{
		CheckpointRetention: cfg.Checkpoint.Retention,
		EventRetention:      cfg.Events.Retention,
		EventRetentionCount: cfg.Events.RetentionCount,
		Interval:            cfg.Events.RetentionSweep,
	}
}
