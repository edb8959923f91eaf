package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/threadsync/pkg/observability"
)

var (
	serveAddr     string
	serveSchedule string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health checks and metrics",
	Long: `Serve exposes /health, /health/live, /health/ready and /metrics. The
readiness check pings the configured backend.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default observability.metrics_addr)")
	serveCmd.Flags().StringVar(&serveSchedule, "check-schedule", "@every 15s", "cron schedule for logging health changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	addr := serveAddr
	if addr == "" {
		addr = e.cfg.Observability.MetricsAddr
	}

	checker := observability.NewHealthChecker()
	checker.RegisterCheck(observability.PingCheck())
	checker.RegisterCheck(observability.BackendCheck("backend", e.backend))
	server := observability.NewServer(addr, checker)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.log.WithFields(logrus.Fields{
		"addr":    addr,
		"backend": e.cfg.Backend,
		"version": version,
	}).Info("serving health and metrics")

	mon := &healthMonitor{checker: checker, log: e.log, last: observability.HealthStatusHealthy}
	sched := cron.New()
	if _, err := sched.AddFunc(serveSchedule, func() { mon.check(ctx) }); err != nil {
		return fmt.Errorf("check schedule %q: %w", serveSchedule, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error {
		sched.Start()
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	err = g.Wait()
	e.log.Info("shut down")
	return err
}

// healthMonitor logs every change in overall health.
type healthMonitor struct {
	checker *observability.HealthChecker
	log     logrus.FieldLogger

	mu   sync.Mutex
	last observability.HealthStatus
}

func (m *healthMonitor) check(ctx context.Context) {
	resp := m.checker.Check(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if resp.Status == m.last {
		return
	}
	entry := m.log.WithField("status", resp.Status)
	for name, c := range resp.Checks {
		if c.Status != observability.HealthStatusHealthy {
			entry = entry.WithField(name, c.Message)
		}
	}
	if resp.Status == observability.HealthStatusHealthy {
		entry.Info("health recovered")
	} else {
		entry.Warn("health changed")
	}
	m.last = resp.Status
}
