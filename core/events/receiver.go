package events

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// ReceiverHooks let callers observe receiver behavior without coupling to a
// metrics library. Any field may be nil.
type ReceiverHooks struct {
	OnAccepted    func(ev Event)
	OnDropped     func(reason string)
	OnStreamStart func(remote string)
	OnStreamClose func(remote string)
}

// ReceiverConfig controls the HTTP/3 event receiver, the collector-side
// counterpart of Sender.
type ReceiverConfig struct {
	// Addr is the UDP listen address, host:port.
	Addr    string
	URLPath string      // default "/events"
	TLS     *tls.Config // required for HTTP/3
	QUIC    *quic.Config

	QueueCapacity  int   // decoded-event queue, default 4096
	MaxEventBytes  int   // single-frame cap, default 1 MiB
	MaxStreamBytes int64 // per-stream byte cap, 0 = unlimited
	MaxConcurrency int   // concurrent streams, 0 = unlimited
	Backpressure   BackpressurePolicy

	Logger *zap.Logger
	Hooks  ReceiverHooks
}

func (c *ReceiverConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/events"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Receiver accepts Sender streams: long-lived POSTs carrying length-prefix
// framed JSON events over HTTP/3. Decoded events are handed to consumers
// through Events(); frames that fail to decode are dropped, not fatal to the
// stream.
type Receiver struct {
	cfg    ReceiverConfig
	log    *zap.Logger
	server *http3.Server
	ln     net.PacketConn
	events chan Event
	quit   chan struct{}
	sem    chan struct{}

	// mu orders stream admission against Close so wg.Wait covers every
	// handler that got past the closed check.
	mu sync.Mutex
	wg sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

// NewReceiver builds a receiver. Start must be called before events flow.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("ReceiverConfig.Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("ReceiverConfig.TLS is required for HTTP/3")
	}

	r := &Receiver{
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan Event, cfg.QueueCapacity),
		quit:   make(chan struct{}),
	}
	if cfg.MaxConcurrency > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.streamHandler)
	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// Start binds the UDP socket and serves HTTP/3 until Close.
func (r *Receiver) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("receiver already started")
	}
	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn
	r.log.Info("event receiver listening",
		zap.String("addr", conn.LocalAddr().String()), zap.String("path", r.cfg.URLPath))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("event receiver serve", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound address, useful when Addr was configured with port
// zero.
func (r *Receiver) Addr() string {
	if r.ln == nil {
		return r.cfg.Addr
	}
	return r.ln.LocalAddr().String()
}

// Events returns the decoded-event channel. It closes once Close has run
// and every stream handler has exited.
func (r *Receiver) Events() <-chan Event { return r.events }

// Close stops the server, unblocks and waits for in-flight streams up to
// the context deadline, then closes the events channel. A deadline hit
// returns the context error; the channel still closes once the last
// handler exits.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return nil
	}
	r.closed.Store(true)
	close(r.quit)
	r.mu.Unlock()

	_ = r.server.Close()
	if r.ln != nil {
		_ = r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(r.events)
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.log.Warn("event receiver close timed out", zap.Error(ctx.Err()))
		return ctx.Err()
	case <-done:
		return nil
	}
}

// enterStream admits a handler into the wait group unless the receiver is
// closing.
func (r *Receiver) enterStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.wg.Add(1)
	return true
}

// acquire takes a concurrency slot, or returns nil when the receiver shuts
// down first.
func (r *Receiver) acquire() func() {
	if r.sem == nil {
		return func() {}
	}
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }
	case <-r.quit:
		return nil
	}
}

// streamHandler consumes one framed stream: [4B big-endian length][JSON]...
func (r *Receiver) streamHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.enterStream() {
		http.Error(w, "receiver closing", http.StatusServiceUnavailable)
		return
	}
	defer r.wg.Done()
	release := r.acquire()
	if release == nil {
		http.Error(w, "receiver closing", http.StatusServiceUnavailable)
		return
	}
	defer release()

	remote := req.RemoteAddr
	if r.cfg.Hooks.OnStreamStart != nil {
		r.cfg.Hooks.OnStreamStart(remote)
	}
	defer func() {
		if r.cfg.Hooks.OnStreamClose != nil {
			r.cfg.Hooks.OnStreamClose(remote)
		}
	}()

	// Acknowledge the stream up front; the client keeps writing frames.
	w.WriteHeader(http.StatusOK)

	ctx := req.Context()
	body := req.Body
	var lenBuf [4]byte
	var streamBytes int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		default:
		}
		if r.cfg.MaxStreamBytes > 0 && streamBytes >= r.cfg.MaxStreamBytes {
			r.drop("stream_bytes_cap")
			return
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			// EOF here is a clean end of stream; a truncated final frame is
			// treated the same way.
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.log.Warn("stream read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		streamBytes += 4

		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > r.cfg.MaxEventBytes {
			r.drop("event_too_large")
			return
		}

		payload := make([]byte, int(n))
		if _, err := io.ReadFull(body, payload); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.log.Warn("frame read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		streamBytes += int64(n)

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			r.drop("decode_failed")
			continue
		}

		switch r.cfg.Backpressure {
		case BlockPublisher:
			select {
			case r.events <- ev:
				r.accepted(ev)
			case <-ctx.Done():
				r.drop("client_cancelled_blocking")
				return
			case <-r.quit:
				r.drop("receiver_closed")
				return
			}
		case DropIfFull:
			select {
			case r.events <- ev:
				r.accepted(ev)
			default:
				r.drop("queue_full")
			}
		}
	}
}

func (r *Receiver) accepted(ev Event) {
	if r.cfg.Hooks.OnAccepted != nil {
		r.cfg.Hooks.OnAccepted(ev)
	}
}

func (r *Receiver) drop(reason string) {
	r.log.Warn("event dropped", zap.String("reason", reason))
	if r.cfg.Hooks.OnDropped != nil {
		r.cfg.Hooks.OnDropped(reason)
	}
}
