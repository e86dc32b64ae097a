// Package extension drives the lifecycle of the telemetry forwarder:
// registration and subscription at startup, the INVOKE/SHUTDOWN event
// loop, the adaptive flushing policy, and the deadline-bound shutdown
// drain.
package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/tilinna/clock"

	"github.com/openobserve/openobserve-lambda-extension/buffer"
	"github.com/openobserve/openobserve-lambda-extension/config"
	"github.com/openobserve/openobserve-lambda-extension/extapi"
	"github.com/openobserve/openobserve-lambda-extension/flush"
	"github.com/openobserve/openobserve-lambda-extension/receiver"
	"github.com/openobserve/openobserve-lambda-extension/sink"
)

const (
	// registerTimeout bounds the register and subscribe handshakes.
	registerTimeout = 10 * time.Second
	// shutdownMargin is subtracted from the SHUTDOWN deadline so the
	// process exits on its own before the runtime SIGKILLs it.
	shutdownMargin = 100 * time.Millisecond
)

// Telemetry API buffering parameters, all within the AWS-defined
// ranges.
var subscriptionBuffering = extapi.TelemetryBuffering{
	MaxItems:  1000,
	MaxBytes:  262144,
	TimeoutMS: 1000,
}

type options struct {
	log        logr.Logger
	clk        clock.Clock
	listenAddr string
	clientOpts []extapi.Option
}

type Option func(*options)

func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithListenAddr overrides the telemetry receiver's listen address.
func WithListenAddr(addr string) Option {
	return func(o *options) { o.listenAddr = addr }
}

// WithClientOptions passes options through to the control plane client.
func WithClientOptions(opts ...extapi.Option) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// invocation is the per-invocation scratch state, created at INVOKE
// and replaced when the next event arrives.
type invocation struct {
	requestID string
	start     time.Time
	deadline  time.Time
}

// Run registers with the Extensions API, subscribes the local receiver
// to the Telemetry API, and drives the event loop until SHUTDOWN.
// Registration, receiver start and subscription failures are fatal, as
// are a failed event/next call and a failed receiver server; sink and
// buffer trouble is logged, counted and survived.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	o := options{
		log:        logr.FromContextOrDiscard(ctx),
		clk:        clock.Realtime(),
		listenAddr: receiver.DefaultListenAddr,
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := o.clk.Now()

	registerCtx, cancelRegister := context.WithTimeout(ctx, registerTimeout)
	client, err := extapi.Register(registerCtx, append([]extapi.Option{extapi.WithLogger(o.log)}, o.clientOpts...)...)
	cancelRegister()
	if err != nil {
		return fmt.Errorf("could not register extension: %w", err)
	}

	buf := buffer.New(cfg.MaxBufferBytes, o.log)
	snk := sink.New(cfg, o.log)
	flusher := flush.New(buf, snk, o.log)
	rcv := receiver.New(buf,
		receiver.WithListenAddr(o.listenAddr),
		receiver.WithClock(o.clk),
		receiver.WithLogger(o.log),
	)

	if err := rcv.Start(); err != nil {
		initErr := fmt.Errorf("could not start telemetry receiver: %w", err)
		reportInitError(ctx, client, o.log, initErr)

		return initErr
	}

	subscribeCtx, cancelSubscribe := context.WithTimeout(ctx, registerTimeout)
	err = client.TelemetrySubscribe(subscribeCtx, extapi.NewTelemetrySubscribeRequest(
		rcv.URL(),
		[]extapi.TelemetryType{extapi.TelemetryTypePlatform, extapi.TelemetryTypeFunction, extapi.TelemetryTypeExtension},
		&subscriptionBuffering,
	))
	cancelSubscribe()
	if err != nil {
		initErr := fmt.Errorf("could not subscribe to telemetry API: %w", err)
		reportInitError(ctx, client, o.log, initErr)

		return initErr
	}

	ext := &extension{
		cfg:     cfg,
		log:     o.log,
		clk:     o.clk,
		client:  client,
		buf:     buf,
		flusher: flusher,
		rcv:     rcv,
		policy:  newFlushPolicy(o.clk),
	}
	o.log.Info("extension initialized",
		"extensionID", client.ExtensionID(),
		"functionName", client.FunctionName(),
		"receiver", rcv.URL(),
		"sink", snk.URL(),
	)

	err = ext.loop(ctx)
	ext.logStats(start)

	return err
}

type extension struct {
	cfg     *config.Config
	log     logr.Logger
	clk     clock.Clock
	client  *extapi.Client
	buf     *buffer.Buffer
	flusher *flush.Flusher
	rcv     *receiver.Server
	policy  *flushPolicy

	invocations uint64
	current     *invocation
}

// loop long-polls event/next and reacts to lifecycle events. The poll
// runs in its own goroutine: it can block for the whole life of a
// frozen execution environment, and the coordinator still has to
// answer flush triggers meanwhile.
func (e *extension) loop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coordinatorDone := make(chan struct{})
	go e.flushCoordinator(ctx, coordinatorDone)
	defer func() {
		cancel()
		<-coordinatorDone
	}()

	nextCh := make(chan *extapi.NextEventResponse)
	nextErrCh := make(chan error)

	for {
		go func() {
			event, err := e.client.NextEvent(ctx)
			if err != nil {
				select {
				case nextErrCh <- err:
				case <-ctx.Done():
				}

				return
			}
			select {
			case nextCh <- event:
			case <-ctx.Done():
			}
		}()

		select {
		case event := <-nextCh:
			if event.EventType == extapi.Shutdown {
				e.log.Info("shutdown event received", "reason", event.ShutdownReason, "deadlineMs", event.DeadlineMs)

				return e.shutdown(ctx, event)
			}
			e.handleInvoke(ctx, event)
		case err := <-nextErrCh:
			err = fmt.Errorf("event/next call failed: %w", err)
			e.reportExitError(ctx, err)

			return err
		case err := <-e.rcv.Err():
			err = fmt.Errorf("telemetry receiver failed: %w", err)
			e.reportExitError(ctx, err)

			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInvoke records the invocation context and applies the adaptive
// policy: low-frequency functions drain synchronously before the next
// long poll, high-frequency ones rely on the post-response background
// drains issued by the coordinator.
func (e *extension) handleInvoke(ctx context.Context, event *extapi.NextEventResponse) {
	e.invocations++
	e.policy.ObserveInvoke()
	e.current = &invocation{
		requestID: event.RequestID,
		start:     e.clk.Now(),
		deadline:  time.UnixMilli(event.DeadlineMs),
	}
	e.log.V(1).Info("invoke event received", "requestID", event.RequestID, "deadlineMs", event.DeadlineMs)

	if e.policy.Continuous() || e.buf.IsEmpty() {
		return
	}

	drainCtx, cancel := context.WithDeadline(ctx, e.current.deadline)
	if err := e.flusher.DrainSync(drainCtx); err != nil {
		e.log.V(1).Info("pre-next drain failed", "reason", err.Error())
	}
	cancel()
}

// flushCoordinator owns the background drain triggers: the
// post-response signal from the receiver when running continuously,
// and the periodic check for long-idle functions.
func (e *extension) flushCoordinator(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := e.clk.NewTicker(policyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.rcv.RuntimeDone():
			if e.policy.Continuous() && !e.buf.IsEmpty() {
				e.flusher.DrainAsync()
			}
		case <-ticker.C:
			if e.policy.IdleDue() && !e.buf.IsEmpty() {
				e.log.V(1).Info("periodic flush of idle buffer")
				e.flusher.DrainAsync()
			}
		case <-ctx.Done():
			return
		}
	}
}

// shutdown performs the final drain inside the deadline the runtime
// granted, minus a safety margin. Exceeding the budget abandons the
// remaining shipments but still exits cleanly.
func (e *extension) shutdown(ctx context.Context, event *extapi.NextEventResponse) error {
	deadline := time.UnixMilli(event.DeadlineMs).Add(-shutdownMargin)
	drainCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	e.rcv.BeginDiscard()

	if err := e.flusher.DrainSync(drainCtx); err != nil {
		e.log.Info("final drain incomplete", "reason", err.Error())
	}
	if abandoned := e.flusher.AwaitAll(drainCtx); abandoned > 0 {
		e.log.Info("shutdown deadline exceeded, in-flight shipments abandoned",
			"abandoned", abandoned,
			"recordsAbandoned", e.flusher.RecordsAbandoned(),
		)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownMargin)
	defer cancelStop()
	if err := e.rcv.Shutdown(stopCtx); err != nil {
		e.log.V(1).Info("receiver shutdown incomplete", "reason", err.Error())
	}

	return nil
}

func (e *extension) logStats(start time.Time) {
	e.log.Info("extension stats",
		"uptime", e.clk.Now().Sub(start).String(),
		"invocations", e.invocations,
		"recordsReceived", e.rcv.Received(),
		"recordsShipped", e.flusher.RecordsShipped(),
		"batchesShipped", e.flusher.BatchesShipped(),
		"batchesDropped", e.flusher.BatchesDropped(),
		"bufferGroupsDropped", e.buf.DroppedGroups(),
		"recordsAbandoned", e.flusher.RecordsAbandoned(),
		"badBodies", e.rcv.BadBodies(),
		"substitutedTimestamps", e.rcv.SubstitutedTimestamps(),
	)
}

func (e *extension) reportExitError(ctx context.Context, cause error) {
	reportCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := e.client.ExitError(reportCtx, "Extension.Exit", cause); err != nil {
		e.log.Error(err, "could not report exit error")
	}
}

func reportInitError(ctx context.Context, client *extapi.Client, log logr.Logger, cause error) {
	reportCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := client.InitError(reportCtx, "Extension.Init", cause); err != nil {
		log.Error(err, "could not report init error")
	}
}

// healthCheckTimeout bounds the single health check attempt.
const healthCheckTimeout = 10 * time.Second

// HealthCheck loads nothing and registers nothing: it builds a sink
// client from cfg and ships one synthetic record.
func HealthCheck(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	checkCfg := *cfg
	if checkCfg.RequestTimeout > healthCheckTimeout {
		checkCfg.RequestTimeout = healthCheckTimeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	return sink.New(&checkCfg, log).HealthCheck(checkCtx)
}
