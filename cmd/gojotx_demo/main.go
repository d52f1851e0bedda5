// Command gojotx_demo runs a small transaction and saga workload against
// the coordination core, with structured logging, lifecycle events printed
// from an in-memory bus subscription, and Prometheus metrics exposed while
// it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/events"
	"github.com/sushant-115/gojotx/core/lock"
	"github.com/sushant-115/gojotx/core/saga"
	"github.com/sushant-115/gojotx/core/step"
	"github.com/sushant-115/gojotx/core/txn"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

var (
	logLevel    = flag.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "log output format (json or console)")
	metricsPort = flag.Int("metrics-port", 9464, "port for the Prometheus /metrics endpoint (0 disables)")
	failShip    = flag.Bool("fail-ship", false, "make the shipping step fail to demonstrate compensation")
	linger      = flag.Duration("linger", 0, "keep the process alive after the workload so /metrics can be scraped")
)

func main() {
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTel, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsPort > 0,
		ServiceName:    "gojotx-demo",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTel(context.Background())

	metrics, err := internaltelemetry.NewCoreMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register core metrics", zap.Error(err))
	}

	bus := events.NewBus(events.BusConfig{Logger: log})
	defer bus.Close()
	go printEvents(bus.Subscribe(), log)

	locks := lock.NewManager(lock.Config{Logger: log}, lock.Hooks{})

	runTransaction(log, locks, bus, metrics)
	runSaga(log, locks, bus, metrics)

	if *linger > 0 {
		log.Info("workload done, lingering for metric scrapes", zap.Duration("for", *linger))
		time.Sleep(*linger)
	}
}

// runTransaction executes a simple arithmetic pipeline: each step consumes
// the previous step's output.
func runTransaction(log *zap.Logger, locks *lock.Manager, bus events.Publisher, metrics *internaltelemetry.CoreMetrics) {
	mgr := txn.NewManager(txn.Config{
		Locks:     locks,
		Publisher: bus,
		Metrics:   metrics,
		Logger:    log,
	})
	defer mgr.Close()

	def := &step.Definition{
		Name: "arithmetic",
		Steps: []step.Step{
			{
				Name: "add10",
				Execute: func(_ context.Context, input any) (any, error) {
					return input.(int) + 10, nil
				},
			},
			{
				Name: "double",
				Execute: func(_ context.Context, input any) (any, error) {
					return input.(int) * 2, nil
				},
			},
		},
	}

	res, err := mgr.Execute(context.Background(), def, 5)
	if err != nil {
		log.Error("transaction rejected", zap.Error(err))
		return
	}
	log.Info("transaction result",
		zap.String("txn", res.ID),
		zap.String("status", string(res.Status)),
		zap.Any("output", res.Output))
}

// runSaga executes an order-fulfillment style workflow: inventory and
// payment reserved in parallel, then shipping. With -fail-ship the shipping
// step fails and both reservations are compensated in reverse completion
// order.
func runSaga(log *zap.Logger, locks *lock.Manager, bus events.Publisher, metrics *internaltelemetry.CoreMetrics) {
	mgr := saga.NewManager(saga.Config{
		Locks:     locks,
		Publisher: bus,
		Metrics:   metrics,
		Logger:    log,
	})

	def := &step.Definition{
		Name: "fulfill-order",
		Steps: []step.Step{
			{
				Name: "reserve-inventory",
				Execute: func(_ context.Context, input any) (any, error) {
					log.Info("inventory reserved")
					return "reservation-1", nil
				},
				Compensate: func(_ context.Context, _ any) error {
					log.Info("inventory reservation released")
					return nil
				},
				Resources: []step.ResourceClaim{{Key: "sku/widget", Mode: lock.Exclusive}},
			},
			{
				Name: "authorize-payment",
				Execute: func(_ context.Context, input any) (any, error) {
					log.Info("payment authorized")
					return "auth-1", nil
				},
				Compensate: func(_ context.Context, _ any) error {
					log.Info("payment authorization voided")
					return nil
				},
				Retry: &step.RetryPolicy{MaxRetries: 2, Backoff: 50 * time.Millisecond, Exponential: true},
			},
			{
				Name: "ship",
				Execute: func(_ context.Context, input any) (any, error) {
					if *failShip {
						return nil, errors.New("carrier unavailable")
					}
					log.Info("shipment booked")
					return "shipment-1", nil
				},
				Timeout: 2 * time.Second,
			},
		},
		ParallelGroups: [][]string{{"reserve-inventory", "authorize-payment"}},
	}

	res := mgr.Execute(context.Background(), def, map[string]any{"order": "ord-42"})
	log.Info("saga result",
		zap.String("saga", res.ID),
		zap.String("status", string(res.Status)),
		zap.Strings("completed", res.CompletedSteps),
		zap.String("failed_step", res.FailedStep),
		zap.Error(res.Err))
}

func printEvents(ch <-chan events.Event, log *zap.Logger) {
	for ev := range ch {
		log.Info("lifecycle event",
			zap.String("type", ev.Type),
			zap.String("aggregate", ev.AggregateID),
			zap.String("aggregate_type", ev.AggregateType))
	}
}
