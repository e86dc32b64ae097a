package flush_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/openobserve/openobserve-lambda-extension/buffer"
	"github.com/openobserve/openobserve-lambda-extension/config"
	"github.com/openobserve/openobserve-lambda-extension/flush"
	"github.com/openobserve/openobserve-lambda-extension/sink"
	"github.com/openobserve/openobserve-lambda-extension/telemetry"
)

type fakeSink struct {
	mu       sync.Mutex
	bodies   []string
	status   int
	delay    time.Duration
	requests int
}

func (fs *fakeSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		fs.mu.Lock()
		fs.requests++
		fs.bodies = append(fs.bodies, string(body))
		status, delay := fs.status, fs.delay
		fs.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (fs *fakeSink) bodyCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return len(fs.bodies)
}

func newFlusher(t *testing.T, fs *fakeSink) (*flush.Flusher, *buffer.Buffer) {
	t.Helper()

	server := httptest.NewServer(fs.handler())
	t.Cleanup(server.Close)

	cfg := &config.Config{
		Endpoint:          server.URL,
		OrganizationID:    "org",
		Stream:            "default",
		Authorization:     config.Secret("Basic x"),
		RequestTimeout:    2 * time.Second,
		MaxRetries:        1,
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     20 * time.Millisecond,
	}
	buf := buffer.New(1<<20, logr.Discard())

	return flush.New(buf, sink.New(cfg, logr.Discard()), logr.Discard()), buf
}

func push(t *testing.T, buf *buffer.Buffer, msgs ...string) {
	t.Helper()

	records := make([]telemetry.Record, 0, len(msgs))
	encoded := make([][]byte, 0, len(msgs))
	for i, msg := range msgs {
		rec := telemetry.Record{
			TimestampMicros: int64(i),
			Type:            "function",
			Record:          []byte(`"` + msg + `"`),
		}
		enc, err := rec.Encode()
		require.NoError(t, err)
		records = append(records, rec)
		encoded = append(encoded, enc)
	}
	buf.Push(records, encoded)
}

func TestDrainSyncShipsWholeBuffer(t *testing.T) {
	fs := &fakeSink{}
	f, buf := newFlusher(t, fs)

	push(t, buf, "a", "b")
	push(t, buf, "c")

	require.NoError(t, f.DrainSync(context.Background()))
	require.True(t, buf.IsEmpty())
	require.Equal(t, 1, fs.bodyCount())
	require.Contains(t, fs.bodies[0], `"a"`)
	require.Contains(t, fs.bodies[0], `"c"`)
	require.EqualValues(t, 3, f.RecordsShipped())
	require.EqualValues(t, 1, f.BatchesShipped())
}

func TestDrainSyncEmptyBufferIsNoop(t *testing.T) {
	fs := &fakeSink{}
	f, _ := newFlusher(t, fs)

	require.NoError(t, f.DrainSync(context.Background()))
	require.Equal(t, 0, fs.bodyCount())
}

func TestDrainSyncFailureDropsBatch(t *testing.T) {
	fs := &fakeSink{status: http.StatusBadRequest}
	f, buf := newFlusher(t, fs)

	push(t, buf, "doomed")
	err := f.DrainSync(context.Background())

	var permanent *sink.PermanentError
	require.ErrorAs(t, err, &permanent)
	require.EqualValues(t, 1, f.BatchesDropped())
	require.True(t, buf.IsEmpty())

	// the next batch is unaffected
	fs.mu.Lock()
	fs.status = 0
	fs.mu.Unlock()
	push(t, buf, "fine")
	require.NoError(t, f.DrainSync(context.Background()))
	require.EqualValues(t, 1, f.BatchesShipped())
}

func TestDrainSyncCoalesces(t *testing.T) {
	fs := &fakeSink{delay: 200 * time.Millisecond}
	f, buf := newFlusher(t, fs)

	push(t, buf, "slow")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.DrainSync(context.Background())
		}()
	}
	wg.Wait()

	// all three callers coalesced into one shipment
	require.Equal(t, 1, fs.bodyCount())
}

func TestDrainAsyncRegistersHandle(t *testing.T) {
	fs := &fakeSink{}
	f, buf := newFlusher(t, fs)

	push(t, buf, "bg")
	h := f.DrainAsync()
	require.NotNil(t, h)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("background flush did not finish")
	}
	require.NoError(t, h.Err())
	require.Equal(t, 1, fs.bodyCount())

	require.Nil(t, f.DrainAsync(), "empty buffer should not create a handle")
}

func TestAwaitAllCompletesInOrder(t *testing.T) {
	fs := &fakeSink{delay: 50 * time.Millisecond}
	f, buf := newFlusher(t, fs)

	push(t, buf, "one")
	h1 := f.DrainAsync()
	push(t, buf, "two")
	h2 := f.DrainAsync()
	require.NotNil(t, h1)
	require.NotNil(t, h2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Zero(t, f.AwaitAll(ctx))
	require.EqualValues(t, 2, f.BatchesShipped())
}

func TestAwaitAllAbandonsPastDeadline(t *testing.T) {
	fs := &fakeSink{delay: 5 * time.Second}
	f, buf := newFlusher(t, fs)

	push(t, buf, "stuck")
	require.NotNil(t, f.DrainAsync())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	abandoned := f.AwaitAll(ctx)
	require.Equal(t, 1, abandoned)
	require.Less(t, time.Since(start), 2*time.Second)
	require.EqualValues(t, 1, f.RecordsAbandoned())
}

func TestDrainAsyncSkippedWhileBlockingScheduled(t *testing.T) {
	fs := &fakeSink{delay: 200 * time.Millisecond}
	f, buf := newFlusher(t, fs)

	push(t, buf, "sync")
	syncDone := make(chan struct{})
	go func() {
		_ = f.DrainSync(context.Background())
		close(syncDone)
	}()

	// wait for the blocking drain to take the slot
	require.Eventually(t, func() bool { return fs.bodyCount() == 1 }, time.Second, 5*time.Millisecond)

	push(t, buf, "bg")
	require.Nil(t, f.DrainAsync(), "background drain must be skipped while a blocking drain is scheduled")

	<-syncDone
	require.NoError(t, f.DrainSync(context.Background()))
	require.Equal(t, 2, fs.bodyCount())
}
