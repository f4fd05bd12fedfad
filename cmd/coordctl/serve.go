package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"goa.design/coordctl/internal/config"
	"goa.design/coordctl/internal/dashboard"
	"goa.design/coordctl/internal/dashboardhttp"
	"goa.design/coordctl/internal/eventbus"
	"goa.design/coordctl/internal/notify"
	"goa.design/coordctl/internal/ratelimit"
	"goa.design/coordctl/internal/taskmanager"
	"goa.design/coordctl/internal/telemetry"
)

// rateLimitUsage adapts a ratelimit.Tracker's day window onto the
// dashboard's UsageTracker interface.
type rateLimitUsage struct{ tracker *ratelimit.Tracker }

func (u rateLimitUsage) CurrentUsage(ctx context.Context) (int, int, error) {
	status := u.tracker.GetStatus()
	day := status.Windows[ratelimit.Day]
	limits := ratelimit.DefaultPlans[status.Plan]
	if limits.TokensPerDay == 0 {
		return 0, 0, nil
	}
	return day.Tokens, limits.TokensPerDay, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination daemon and dashboard HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("coordctl: load config: %w", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	defer zl.Sync()
	log := telemetry.NewZap(zl)

	tasks, err := taskmanager.New(cfg.TaskFilePath)
	if err != nil {
		return fmt.Errorf("coordctl: open task file: %w", err)
	}

	tracker := ratelimit.New(cfg.RateLimitPlan, ratelimit.WithLogger(log))

	orchestratorBus := eventbus.New()
	dashboardMgr := dashboard.New(rateLimitUsage{tracker: tracker}, cfg.DashboardInterval, orchestratorBus)
	dashboardMgr.Start(ctx)
	defer dashboardMgr.Stop()

	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn("coordctl: nats connect failed, continuing without fan-out", zap.Error(err))
		} else {
			bridge := notify.NewBridge(conn, "coordctl.events", log)
			defer bridge.Close()
			if sub, err := bridge.Attach(tasks.Events()); err == nil {
				defer sub.Close()
			}
		}
	}

	srv := dashboardhttp.NewServer(dashboardMgr, log)
	httpServer := &http.Server{Addr: cfg.DashboardAddr, Handler: srv.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("coordctl: dashboard http server stopped", zap.Error(err))
		}
	}()
	defer httpServer.Close()

	log.Info("coordctl: serving", zap.String("dashboard_addr", cfg.DashboardAddr), zap.String("task_file", cfg.TaskFilePath))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	return nil
}
