// Package flush drains the telemetry buffer into the sink client. It
// offers a blocking drain for lifecycle boundaries, a background drain
// for post-response windows, and a deadline-bound await over all
// in-flight shipments for shutdown.
package flush

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/openobserve/openobserve-lambda-extension/buffer"
	"github.com/openobserve/openobserve-lambda-extension/sink"
)

// dropWarnInterval bounds failed-batch warnings to one per window.
const dropWarnInterval = rate.Limit(1.0 / 30.0)

// Handle represents one in-flight shipment: the batch being POSTed
// plus the ability to cancel its remaining attempts.
type Handle struct {
	records int
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Done is closed when the attempt chain terminates.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the shipment outcome. Only valid after Done is closed.
func (h *Handle) Err() error { return h.err }

// Flusher coordinates drains. The in-flight set is guarded by mu and
// only awaited from the extension loop at shutdown.
type Flusher struct {
	buf  *buffer.Buffer
	sink *sink.Client
	log  logr.Logger

	mu           sync.Mutex
	inflight     []*Handle
	blockingDone chan struct{}
	blockingErr  error

	warnLimit *rate.Limiter

	batchesShipped   atomic.Uint64
	recordsShipped   atomic.Uint64
	batchesDropped   atomic.Uint64
	recordsAbandoned atomic.Uint64
}

func New(buf *buffer.Buffer, snk *sink.Client, log logr.Logger) *Flusher {
	return &Flusher{
		buf:       buf,
		sink:      snk,
		log:       log,
		warnLimit: rate.NewLimiter(dropWarnInterval, 1),
	}
}

// DrainSync drains the buffer and ships it, blocking until the sink
// call terminates. Only one blocking drain runs at a time; concurrent
// callers coalesce into the one in flight and share its result.
func (f *Flusher) DrainSync(ctx context.Context) error {
	f.mu.Lock()
	if f.blockingDone != nil {
		done := f.blockingDone
		f.mu.Unlock()
		select {
		case <-done:
			return f.blockingErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	f.blockingDone = done
	f.mu.Unlock()

	err := f.ship(ctx, f.buf.Drain(0))

	f.mu.Lock()
	f.blockingErr = err
	f.blockingDone = nil
	f.mu.Unlock()
	close(done)

	return err
}

// DrainAsync drains the buffer and ships it on a background goroutine,
// registering the resulting Handle in the in-flight set. Skipped when
// a blocking drain is already scheduled; the buffered records then
// stay in the buffer until a later drain.
func (f *Flusher) DrainAsync() *Handle {
	f.mu.Lock()
	if f.blockingDone != nil {
		f.mu.Unlock()

		return nil
	}
	batch := f.buf.Drain(0)
	if batch.Empty() {
		f.mu.Unlock()

		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		records: len(batch.Records),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	f.inflight = append(f.inflight, h)
	f.mu.Unlock()

	go func() {
		defer cancel()
		h.err = f.ship(ctx, batch)
		close(h.done)
	}()

	return h
}

// AwaitAll waits for every in-flight shipment in submission order.
// Shipments that would cross ctx's deadline are canceled; their
// batches are lost. Returns the number of abandoned shipments.
func (f *Flusher) AwaitAll(ctx context.Context) int {
	f.mu.Lock()
	pending := f.inflight
	f.inflight = nil
	f.mu.Unlock()

	abandoned := 0
	for i, h := range pending {
		select {
		case <-h.done:
		case <-ctx.Done():
			for _, rest := range pending[i:] {
				rest.cancel()
				<-rest.done
				if rest.err != nil {
					abandoned++
					f.recordsAbandoned.Add(uint64(rest.records))
				}
			}

			return abandoned
		}
	}

	return abandoned
}

// ship POSTs one drained batch and accounts for the outcome. Failed
// batches are dropped: the sink client has already exhausted the
// per-batch retry budget.
func (f *Flusher) ship(ctx context.Context, batch buffer.Batch) error {
	if batch.Empty() {
		return nil
	}

	err := f.sink.Send(ctx, batch.Payload())
	if err == nil {
		f.batchesShipped.Add(1)
		f.recordsShipped.Add(uint64(len(batch.Records)))
		f.log.V(1).Info("batch shipped", "records", len(batch.Records), "bytes", batch.Size)

		return nil
	}

	f.batchesDropped.Add(1)
	if f.warnLimit.Allow() {
		f.log.Info("batch dropped after sink failure",
			"records", len(batch.Records),
			"reason", err.Error(),
			"batchesDroppedTotal", f.batchesDropped.Load(),
		)
	}

	return err
}

// BatchesShipped returns the count of successfully shipped batches.
func (f *Flusher) BatchesShipped() uint64 { return f.batchesShipped.Load() }

// RecordsShipped returns the count of successfully shipped records.
func (f *Flusher) RecordsShipped() uint64 { return f.recordsShipped.Load() }

// BatchesDropped returns the count of batches lost to sink failures.
func (f *Flusher) BatchesDropped() uint64 { return f.batchesDropped.Load() }

// RecordsAbandoned returns the count of records lost to the shutdown
// deadline.
func (f *Flusher) RecordsAbandoned() uint64 { return f.recordsAbandoned.Load() }
