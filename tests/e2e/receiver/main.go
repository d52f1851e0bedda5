// Standalone collector for manual transport testing against a remote
// sender. Pair with tests/e2e/sender.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/events"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6001", "listen address")
	caCert := flag.String("ca", "", "CA certificate path; empty uses an ephemeral pair")
	srvCert := flag.String("cert", "", "server certificate path")
	srvKey := flag.String("key", "", "server key path")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	tlsCfg, _, err := certs.Ephemeral("localhost")
	if *caCert != "" {
		tlsCfg, err = certs.LoadServerTLSConfig(*caCert, *srvCert, *srvKey)
	}
	if err != nil {
		log.Fatalf("tls config: %v", err)
	}

	receiver, err := events.NewReceiver(events.ReceiverConfig{
		Addr:   *addr,
		TLS:    tlsCfg,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("create receiver: %v", err)
	}
	if err := receiver.Start(); err != nil {
		log.Fatalf("start receiver: %v", err)
	}
	logger.Info("receiver up", zap.String("addr", receiver.Addr()))

	go func() {
		for ev := range receiver.Events() {
			logger.Info("event",
				zap.String("type", ev.Type),
				zap.String("aggregate", ev.AggregateID),
				zap.Time("ts", ev.Timestamp))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := receiver.Close(ctx); err != nil {
		log.Fatalf("close receiver: %v", err)
	}
}
