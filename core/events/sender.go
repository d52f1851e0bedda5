package events

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// SenderHooks let callers observe sender behavior without coupling to a
// metrics library. Any field may be nil.
type SenderHooks struct {
	OnBatchDispatched func(connID int, bytes int, msgs int)
	OnBatchRetried    func(connID int, attempt int)
	OnBatchDropped    func(connID int, reason string)
	OnConnEstablished func(connID int)
	OnConnFailed      func(connID int, err error)
}

// SenderConfig controls the remote HTTP/3 publisher.
type SenderConfig struct {
	// Addr is the remote endpoint, host:port.
	Addr    string
	URLPath string      // default "/events"
	TLS     *tls.Config // required for HTTP/3
	QUIC    *quic.Config

	NumConnections   int           // concurrent streaming POSTs, default 2
	QueueCapacity    int           // ingress queue in events, default 4096
	MaxBatchBytes    int           // default 64 KiB
	MaxBatchMessages int           // default 256
	FlushInterval    time.Duration // default 50ms

	MaxWriteRetries   int           // total attempts = 1 + MaxWriteRetries
	InitialBackoff    time.Duration // default 100ms
	MaxBackoff        time.Duration // default 5s
	BackoffJitterFrac float64       // default 0.2 => ±20% jitter

	Logger *zap.Logger
	Hooks  SenderHooks
}

func (c *SenderConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/events"
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Sender publishes lifecycle events to a remote collector over HTTP/3.
// Events are JSON-encoded, length-prefix framed, batched, and streamed over
// long-lived POST requests with retry and jittered exponential backoff.
// Publish never blocks the managers beyond queue admission.
type Sender struct {
	cfg        SenderConfig
	url        string
	log        *zap.Logger
	quit       chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup
	client     *http.Client
	rt         *http3.Transport
	eventsCh   chan []byte
	connInputs []chan []byte
	randSrc    *rand.Rand
}

var _ Publisher = (*Sender)(nil)

// NewSender creates and starts a remote event publisher.
func NewSender(cfg SenderConfig) (*Sender, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("SenderConfig.Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("SenderConfig.TLS is required for HTTP/3")
	}

	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}
	s := &Sender{
		cfg:      cfg,
		url:      fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		log:      cfg.Logger,
		quit:     make(chan struct{}),
		client:   &http.Client{Transport: rt},
		rt:       rt,
		eventsCh: make(chan []byte, cfg.QueueCapacity),
		randSrc:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := range s.connInputs {
		s.connInputs[i] = make(chan []byte, 1)
	}

	s.wg.Add(1)
	go s.batchingLoop()
	for i := range s.connInputs {
		s.wg.Add(1)
		go s.connectionManager(i, s.connInputs[i])
	}
	return s, nil
}

// Publish JSON-encodes the event and enqueues it without blocking. A full
// queue drops the event: remote observability is best-effort by contract.
func (s *Sender) Publish(_ context.Context, ev Event) error {
	if s.closed.Load() {
		return errors.New("sender closed")
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	select {
	case s.eventsCh <- msg:
		return nil
	default:
		if s.cfg.Hooks.OnBatchDropped != nil {
			s.cfg.Hooks.OnBatchDropped(-1, "queue full")
		}
		return errors.New("sender queue full")
	}
}

// Close drains queued events and stops all goroutines.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("already closed")
	}
	close(s.quit)
	s.wg.Wait()
	return s.rt.Close()
}

func (s *Sender) batchingLoop() {
	defer s.wg.Done()
	defer func() {
		for _, ch := range s.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(s.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		// Hand off to any connection non-blocking first, randomized start
		// for fairness.
		start := s.randSrc.Intn(len(s.connInputs))
		for i := 0; i < len(s.connInputs); i++ {
			idx := (start + i) % len(s.connInputs)
			select {
			case s.connInputs[idx] <- payload:
				if s.cfg.Hooks.OnBatchDispatched != nil {
					s.cfg.Hooks.OnBatchDispatched(idx, len(payload), msgs)
				}
				batch.Reset()
				msgs = 0
				return
			default:
			}
		}
		select {
		case s.connInputs[start] <- payload:
			if s.cfg.Hooks.OnBatchDispatched != nil {
				s.cfg.Hooks.OnBatchDispatched(start, len(payload), msgs)
			}
			batch.Reset()
			msgs = 0
		case <-s.quit:
			s.drop(start, payload, "shutdown")
			batch.Reset()
			msgs = 0
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case <-s.quit:
			for {
				select {
				case m := <-s.eventsCh:
					frameAppend(&batch, m)
					msgs++
				default:
					dispatch()
					return
				}
			}
		case m := <-s.eventsCh:
			frameAppend(&batch, m)
			msgs++
			if batch.Len() >= s.cfg.MaxBatchBytes || msgs >= s.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}
		case <-flushTimer.C:
			dispatch()
			resetTimer()
		}
	}
}

type connectionState struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (s *Sender) connectionManager(id int, in <-chan []byte) {
	defer s.wg.Done()
	var st *connectionState
	defer func() {
		if st != nil {
			_ = st.writer.Close()
			st.cancelReq()
		}
	}()

	for payload := range in {
		if st == nil {
			var err error
			st, err = s.establishConnection(id)
			if err != nil {
				s.noteConnFailed(id, err)
				if !s.retrySend(id, payload) {
					s.drop(id, payload, "establish failed")
				}
				continue
			}
		}
		if _, err := st.writer.Write(payload); err != nil {
			s.log.Warn("stream write failed, reconnecting",
				zap.Int("conn", id), zap.Error(err))
			_ = st.writer.Close()
			st.cancelReq()
			st = nil
			if !s.retrySend(id, payload) {
				s.drop(id, payload, "write failed")
			}
		}
	}
}

// retrySend re-establishes a connection and writes the payload with
// jittered exponential backoff. Returns true on success.
func (s *Sender) retrySend(id int, payload []byte) bool {
	backoff := s.cfg.InitialBackoff
	var st *connectionState
	for attempt := 1; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		if s.cfg.Hooks.OnBatchRetried != nil {
			s.cfg.Hooks.OnBatchRetried(id, attempt)
		}
		if !s.sleepBackoff(backoff) {
			return false
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)

		if st == nil {
			var err error
			st, err = s.establishConnection(id)
			if err != nil {
				s.noteConnFailed(id, err)
				continue
			}
		}
		if _, err := st.writer.Write(payload); err == nil {
			_ = st.writer.Close()
			st.cancelReq()
			return true
		}
		_ = st.writer.Close()
		st.cancelReq()
		st = nil
	}
	return false
}

func (s *Sender) sleepBackoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (s *Sender) drop(connID int, payload []byte, reason string) {
	if s.cfg.Hooks.OnBatchDropped != nil {
		s.cfg.Hooks.OnBatchDropped(connID, reason)
	}
	s.log.Warn("dropping event batch",
		zap.Int("conn", connID), zap.Int("bytes", len(payload)), zap.String("reason", reason))
}

// establishConnection opens a streaming HTTP/3 POST using io.Pipe for the
// request body.
func (s *Sender) establishConnection(id int) (*connectionState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("client request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			_ = pw.CloseWithError(fmt.Errorf("server returned %s", resp.Status))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = pw.Close()
	}()

	if s.cfg.Hooks.OnConnEstablished != nil {
		s.cfg.Hooks.OnConnEstablished(id)
	}
	s.log.Debug("established HTTP/3 stream", zap.Int("conn", id), zap.String("url", s.url))
	return &connectionState{writer: pw, cancelReq: cancel}, nil
}

func (s *Sender) noteConnFailed(id int, err error) {
	if s.cfg.Hooks.OnConnFailed != nil {
		s.cfg.Hooks.OnConnFailed(id, err)
	}
	s.log.Warn("connection establish failed", zap.Int("conn", id), zap.Error(err))
}

// frameAppend writes a 4-byte big-endian length prefix followed by msg.
func frameAppend(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}
