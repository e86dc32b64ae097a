package receiver_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/openobserve/openobserve-lambda-extension/buffer"
	"github.com/openobserve/openobserve-lambda-extension/receiver"
)

func startServer(t *testing.T, buf *buffer.Buffer, opts ...receiver.Option) *receiver.Server {
	t.Helper()

	opts = append([]receiver.Option{
		receiver.WithListenAddr("127.0.0.1:0"),
		receiver.WithLogger(logr.Discard()),
	}, opts...)
	s := receiver.New(buf, opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})

	return s
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestReceiveBatchEnqueues(t *testing.T) {
	buf := buffer.New(1<<20, logr.Discard())
	s := startServer(t, buf)

	resp := post(t, s.URL(), `[
		{"time":"2024-01-01T00:00:00.123456Z","type":"function","record":"hello","requestId":"r1"},
		{"time":"2024-01-01T00:00:00.200000Z","type":"platform.start","record":{"requestId":"r1"}}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	batch := buf.Drain(0)
	require.Len(t, batch.Records, 2)
	require.Equal(t, int64(1704067200123456), batch.Records[0].TimestampMicros)
	require.Equal(t, "function", batch.Records[0].Type)
	require.Equal(t, "r1", batch.Records[0].RequestID)
	require.EqualValues(t, 2, s.Received())
}

func TestReceiveMalformedBody(t *testing.T) {
	buf := buffer.New(1<<20, logr.Discard())
	s := startServer(t, buf)

	resp := post(t, s.URL(), `{"not":"an array"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.True(t, buf.IsEmpty())
	require.EqualValues(t, 1, s.BadBodies())
}

func TestReceiveRejectsNonPost(t *testing.T) {
	buf := buffer.New(1<<20, logr.Discard())
	s := startServer(t, buf)

	resp, err := http.Get(s.URL())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReceiveBadTimestampSubstitutesClock(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	buf := buffer.New(1<<20, logr.Discard())
	s := startServer(t, buf, receiver.WithClock(clock.NewMock(now)))

	resp := post(t, s.URL(), `[{"time":"garbage","type":"function","record":"x"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	batch := buf.Drain(0)
	require.Len(t, batch.Records, 1)
	require.Equal(t, now.UnixMicro(), batch.Records[0].TimestampMicros)
	require.EqualValues(t, 1, s.SubstitutedTimestamps())
}

func TestDiscardModeStillAnswers200(t *testing.T) {
	buf := buffer.New(1<<20, logr.Discard())
	s := startServer(t, buf)

	s.BeginDiscard()
	resp := post(t, s.URL(), `[{"time":"2024-01-01T00:00:00Z","type":"function","record":"late"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, buf.IsEmpty())
}

func TestRuntimeDoneNotification(t *testing.T) {
	buf := buffer.New(1<<20, logr.Discard())
	s := startServer(t, buf)

	post(t, s.URL(), `[{"time":"2024-01-01T00:00:00Z","type":"function","record":"work"}]`)
	select {
	case <-s.RuntimeDone():
		t.Fatal("runtimeDone signaled without a platform.runtimeDone event")
	default:
	}

	post(t, s.URL(), `[{"time":"2024-01-01T00:00:01Z","type":"platform.runtimeDone","record":{"requestId":"r1","status":"success"}}]`)
	select {
	case <-s.RuntimeDone():
	case <-time.After(time.Second):
		t.Fatal("expected runtimeDone notification")
	}
}

func TestPortFallback(t *testing.T) {
	buf := buffer.New(1<<20, logr.Discard())

	first := startServer(t, buf, receiver.WithListenAddr("127.0.0.1:0"))
	addr := strings.TrimSuffix(strings.TrimPrefix(first.URL(), "http://"), "/")

	// same address is now taken; the second server must fall back
	second := receiver.New(buf, receiver.WithListenAddr(addr), receiver.WithLogger(logr.Discard()))
	require.NoError(t, second.Start())
	defer second.Shutdown(context.Background())

	require.NotEqual(t, first.URL(), second.URL())
	require.True(t, strings.HasPrefix(second.URL(), "http://127.0.0.1:"))
}
