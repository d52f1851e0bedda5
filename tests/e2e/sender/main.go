// Standalone sender for manual transport testing against a remote
// collector. Pair with tests/e2e/receiver.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/events"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6001", "collector address")
	count := flag.Int("count", 5, "events to send")
	caCert := flag.String("ca", "", "CA certificate path; empty skips verification")
	cliCert := flag.String("cert", "", "client certificate path")
	cliKey := flag.String("key", "", "client key path")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	var tlsCfg *tls.Config
	var err error
	if *caCert != "" {
		tlsCfg, err = certs.LoadClientTLSConfig(*caCert, *cliCert, *cliKey)
		if err != nil {
			log.Fatalf("tls config: %v", err)
		}
	} else {
		tlsCfg = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}
	}

	sender, err := events.NewSender(events.SenderConfig{
		Addr:   *addr,
		TLS:    tlsCfg,
		Logger: logger,
		Hooks: events.SenderHooks{
			OnBatchDispatched: func(connID, bytes, msgs int) {
				logger.Info("batch dispatched",
					zap.Int("conn", connID), zap.Int("bytes", bytes), zap.Int("msgs", msgs))
			},
			OnConnFailed: func(connID int, err error) {
				logger.Warn("connection failed", zap.Int("conn", connID), zap.Error(err))
			},
		},
	})
	if err != nil {
		log.Fatalf("create sender: %v", err)
	}

	for i := 1; i <= *count; i++ {
		ev := events.New(events.TxnCommitted, fmt.Sprintf("tx-%d", i), "transaction",
			map[string]any{"seq": i})
		if err := sender.Publish(context.Background(), ev); err != nil {
			log.Fatalf("publish: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := sender.Close(); err != nil {
		log.Fatalf("close sender: %v", err)
	}
	logger.Info("all events sent", zap.Int("count", *count))
}
