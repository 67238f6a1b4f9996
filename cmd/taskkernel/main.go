// Task Kernel — the durable, append-only core that drives agent tasks
// through Intake -> Plan -> Execute -> Verify -> Recover.
//
// Runs as a standalone binary. Serves:
//   - REST + WebSocket API for task lifecycle, capability grants, and
//     policy administration
//   - A background lease-sweep loop that reclaims work items whose
//     owner stopped heartbeating
//   - OpenTelemetry trace export and Prometheus metrics
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/api"
	"github.com/marcus-qen/taskkernel/internal/config"
	"github.com/marcus-qen/taskkernel/internal/kernel/action"
	"github.com/marcus-qen/taskkernel/internal/kernel/audit"
	"github.com/marcus-qen/taskkernel/internal/kernel/authn"
	"github.com/marcus-qen/taskkernel/internal/kernel/capability"
	"github.com/marcus-qen/taskkernel/internal/kernel/checkpoint"
	"github.com/marcus-qen/taskkernel/internal/kernel/decision"
	"github.com/marcus-qen/taskkernel/internal/kernel/eventlog"
	"github.com/marcus-qen/taskkernel/internal/kernel/guardian"
	"github.com/marcus-qen/taskkernel/internal/kernel/lease"
	"github.com/marcus-qen/taskkernel/internal/kernel/metrics"
	"github.com/marcus-qen/taskkernel/internal/kernel/policy"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
	"github.com/marcus-qen/taskkernel/internal/kernel/task"
	"github.com/marcus-qen/taskkernel/internal/kernel/trust"
	"github.com/marcus-qen/taskkernel/internal/shared/ratelimit"
	"github.com/marcus-qen/taskkernel/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("KERNEL_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), version)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("failed to create data dir", zap.Error(err), zap.String("dir", cfg.DataDir))
	}
	dbPath := filepath.Join(cfg.DataDir, "kernel.db")
	st, err := store.Open(ctx, dbPath, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err), zap.String("path", dbPath))
	}
	defer st.Close()

	events := eventlog.New(st, logger.Named("eventlog"))
	leases := lease.New(st, logger.Named("lease"), cfg.LeaseTTL)
	decisions := decision.New(st, logger.Named("decision"))
	caps := capability.New(st, logger.Named("capability"))
	policies := policy.New(st, logger.Named("policy"))
	actions := action.New(st, decisions, logger.Named("action")).WithTrust(trust.New(st, logger.Named("trust")))
	checkpoints := checkpoint.New(st, logger.Named("checkpoint"))
	guardianPanel := guardian.New(st, logger.Named("guardian"))
	auditLog := audit.New(st, logger.Named("audit"))

	runner := task.New(task.Config{
		Store:         st,
		Events:        events,
		Leases:        leases,
		Decisions:     decisions,
		Capabilities:  caps,
		Policies:      policies,
		Actions:       actions,
		Checkpoints:   checkpoints,
		Guardian:      guardianPanel,
		Audit:         auditLog,
		Log:           logger.Named("task"),
		MaxIterations: cfg.MaxTaskIterations,
	})

	executions := ratelimit.NewLimiter(ratelimit.DefaultConfig())

	srv := api.NewServer(api.Config{
		ListenAddr:   cfg.ListenAddr,
		Verifier:     authn.New(cfg.AdminToken, cfg.ControlToken),
		Tasks:        runner,
		Events:       events,
		Decisions:    decisions,
		Actions:      actions,
		Capabilities: caps,
		Policies:     policies,
		Audit:        auditLog,
		Executions:   executions,
		Log:          logger.Named("api"),
	})

	go func() {
		if err := leases.SweepLoop(ctx, cfg.SweepSchedule, func(reclaimed []lease.Expired) {
			for _, r := range reclaimed {
				metrics.RecordLeaseReclaim()
				logger.Warn("lease reclaimed",
					zap.String("work_item_id", r.WorkItemID),
					zap.String("task_id", r.TaskID),
					zap.Int("retry_count", r.RetryCount),
				)
			}
		}); err != nil && ctx.Err() == nil {
			logger.Error("sweep loop stopped", zap.Error(err))
		}
	}()

	logger.Info("starting task kernel",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("data_dir", cfg.DataDir),
	)

	if err := srv.Start(ctx); err != nil {
		logger.Error("api server stopped with error", zap.Error(err))
	}

	logger.Info("shutting down", zap.Duration("drain", 5*time.Second))
}
