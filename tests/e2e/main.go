// End-to-end check for the HTTP/3 event transport: starts a Receiver on
// loopback, drives a transaction manager whose lifecycle events flow through
// a Sender, and verifies the collector side observes them.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/events"
	"github.com/sushant-115/gojotx/core/step"
	"github.com/sushant-115/gojotx/core/txn"
)

const listenAddr = "127.0.0.1:6001"

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	serverTLS, clientTLS, err := certs.Ephemeral("localhost")
	if err != nil {
		log.Fatalf("generate certs: %v", err)
	}

	receiver, err := events.NewReceiver(events.ReceiverConfig{
		Addr:   listenAddr,
		TLS:    serverTLS,
		Logger: logger.Named("receiver"),
		Hooks: events.ReceiverHooks{
			OnStreamStart: func(remote string) {
				logger.Info("stream opened", zap.String("remote", remote))
			},
		},
	})
	if err != nil {
		log.Fatalf("create receiver: %v", err)
	}
	if err := receiver.Start(); err != nil {
		log.Fatalf("start receiver: %v", err)
	}

	sender, err := events.NewSender(events.SenderConfig{
		Addr:          listenAddr,
		TLS:           clientTLS,
		FlushInterval: 20 * time.Millisecond,
		Logger:        logger.Named("sender"),
	})
	if err != nil {
		log.Fatalf("create sender: %v", err)
	}

	manager := txn.NewManager(txn.Config{Publisher: sender, Logger: logger.Named("txn")})

	// One committed and one compensated transaction: four lifecycle events.
	okDef := &step.Definition{
		Name: "ok",
		Steps: []step.Step{{
			Name: "noop",
			Execute: func(ctx context.Context, input any) (any, error) {
				return input, nil
			},
		}},
	}
	badDef := &step.Definition{
		Name: "bad",
		Steps: []step.Step{{
			Name: "fail",
			Execute: func(ctx context.Context, input any) (any, error) {
				return nil, errors.New("induced")
			},
		}},
	}
	if _, err := manager.Execute(context.Background(), okDef, 1); err != nil {
		log.Fatalf("execute ok: %v", err)
	}
	if _, err := manager.Execute(context.Background(), badDef, 1); err != nil {
		log.Fatalf("execute bad: %v", err)
	}

	want := map[string]bool{
		events.TxnStarted:     false,
		events.TxnCommitted:   false,
		events.TxnFailed:      false,
		events.TxnCompensated: false,
	}
	deadline := time.After(10 * time.Second)
	remaining := len(want)
	for remaining > 0 {
		select {
		case ev, ok := <-receiver.Events():
			if !ok {
				log.Fatal("receiver closed early")
			}
			logger.Info("received event",
				zap.String("type", ev.Type), zap.String("aggregate", ev.AggregateID))
			if seen, tracked := want[ev.Type]; tracked && !seen {
				want[ev.Type] = true
				remaining--
			}
		case <-deadline:
			log.Fatalf("timed out, still missing %d event types: %v", remaining, want)
		}
	}

	_ = sender.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = receiver.Close(ctx)
	_ = manager.Close()

	log.Println("e2e ok: all lifecycle event types observed over HTTP/3")
}
