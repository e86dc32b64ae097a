// Package receiver runs the local HTTP endpoint the Lambda runtime
// pushes telemetry batches to.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/tilinna/clock"

	"github.com/openobserve/openobserve-lambda-extension/buffer"
	"github.com/openobserve/openobserve-lambda-extension/telemetry"
)

// DefaultListenAddr is where the runtime pushes telemetry. The Lambda
// API only accepts sandbox.localdomain as the destination host.
const DefaultListenAddr = "sandbox.localdomain:8080"

type options struct {
	listenAddr string
	clk        clock.Clock
	log        logr.Logger
}

type Option func(*options)

// WithListenAddr overrides the listen address (host:port). Port 0
// picks a free port.
func WithListenAddr(addr string) Option {
	return func(o *options) { o.listenAddr = addr }
}

// WithClock overrides the wall clock used for unparseable timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// Server accepts POSTed telemetry batches, normalizes the records and
// enqueues them. It runs for the whole life of the extension process;
// once draining starts it keeps answering 200 but discards payloads.
type Server struct {
	srv  *http.Server
	buf  *buffer.Buffer
	clk  clock.Clock
	log  logr.Logger
	host string
	url  string

	discarding  atomic.Bool
	runtimeDone chan struct{}
	errCh       chan error

	received    atomic.Uint64
	badBodies   atomic.Uint64
	substituted atomic.Uint64
}

func New(buf *buffer.Buffer, opts ...Option) *Server {
	o := options{
		listenAddr: DefaultListenAddr,
		clk:        clock.Realtime(),
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		buf: buf,
		clk: o.clk,
		log: o.log,
		srv: &http.Server{
			Addr:              o.listenAddr,
			ReadHeaderTimeout: time.Second,
		},
		runtimeDone: make(chan struct{}, 1),
		errCh:       make(chan error, 1),
	}
	s.srv.Handler = s

	return s
}

// Start binds the listener and begins serving. If the configured port
// is taken, an ephemeral port is used instead; URL reports the
// resulting destination.
func (s *Server) Start() error {
	host, _, err := net.SplitHostPort(s.srv.Addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", s.srv.Addr, err)
	}
	s.host = host

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		s.log.Info("configured telemetry port unavailable, falling back to an ephemeral port", "addr", s.srv.Addr)
		ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return fmt.Errorf("could not start telemetry receiving HTTP server: %w", err)
		}
	}

	// the Lambda API rejects destination IPs, so the URL keeps the
	// configured host and takes only the port from the listener
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()

		return fmt.Errorf("could not resolve telemetry listener port: %w", err)
	}
	s.url = "http://" + net.JoinHostPort(host, port) + "/"

	go func() {
		err := s.srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			err = fmt.Errorf("telemetry receiving HTTP server failed: %w", err)
			s.log.Error(err, "")
			select {
			case s.errCh <- err:
			default:
			}
		} else {
			s.log.V(1).Info("telemetry receiving HTTP server stopped")
		}
	}()
	s.log.V(1).Info("telemetry receiver listening", "url", s.url)

	return nil
}

// URL is the destination passed to the Telemetry API subscription.
func (s *Server) URL() string { return s.url }

// Err surfaces a server failure to the extension loop.
func (s *Server) Err() <-chan error { return s.errCh }

// RuntimeDone signals that a batch containing a platform.runtimeDone
// event arrived; the flush coordinator uses it as the post-response
// trigger. The channel never blocks the handler.
func (s *Server) RuntimeDone() <-chan struct{} { return s.runtimeDone }

// BeginDiscard makes subsequent POSTs answer 200 without enqueueing,
// so the shutdown drain cannot race fresh telemetry into the buffer.
func (s *Server) BeginDiscard() { s.discarding.Store(true) }

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Received returns the count of accepted telemetry records.
func (s *Server) Received() uint64 { return s.received.Load() }

// BadBodies returns the count of malformed POST bodies.
func (s *Server) BadBodies() uint64 { return s.badBodies.Load() }

// SubstitutedTimestamps returns the count of records whose time field
// did not parse and got the wall clock instead.
func (s *Server) SubstitutedTimestamps() uint64 { return s.substituted.Load() }

// ServeHTTP handles one pushed batch. Lambda requires acknowledgment
// within the subscription's timeoutMs, so the handler only decodes and
// enqueues; shipping happens elsewhere.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		err := fmt.Errorf("got unexpected HTTP request method %s, want POST", r.Method)
		http.Error(w, err.Error(), http.StatusBadRequest)
		s.log.V(1).Info("rejected telemetry request", "method", r.Method)

		return
	}

	events, err := telemetry.DecodeBatch(r.Context(), r.Body)
	if err != nil {
		s.badBodies.Add(1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		s.log.Error(err, "could not decode telemetry batch")

		return
	}

	if s.discarding.Load() || len(events) == 0 {
		w.WriteHeader(http.StatusOK)

		return
	}

	now := s.clk.Now()
	records := make([]telemetry.Record, 0, len(events))
	encoded := make([][]byte, 0, len(events))
	responseObserved := false
	for _, ev := range events {
		if ev.Type == telemetry.TypePlatformRuntimeDone {
			responseObserved = true
		}
		rec, substituted := telemetry.FromEvent(ev, now)
		if substituted {
			s.substituted.Add(1)
		}
		enc, err := rec.Encode()
		if err != nil {
			s.log.Error(err, "could not encode telemetry record, skipping", "type", rec.Type)

			continue
		}
		records = append(records, rec)
		encoded = append(encoded, enc)
	}

	s.buf.Push(records, encoded)
	s.received.Add(uint64(len(records)))

	if responseObserved {
		select {
		case s.runtimeDone <- struct{}{}:
		default:
		}
	}

	w.WriteHeader(http.StatusOK)
}
