// Package buffer holds telemetry records between the receiver and the
// flusher: a byte-bounded FIFO that drops the oldest record group when
// the budget is exceeded.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/openobserve/openobserve-lambda-extension/telemetry"
)

// warnInterval bounds overflow warnings to one per window.
const warnInterval = rate.Limit(1.0 / 30.0)

// Batch is a drained prefix of the buffer, in insertion order.
type Batch struct {
	Records []telemetry.Record
	Encoded [][]byte
	Size    int
}

// Empty reports whether the batch holds no records.
func (b Batch) Empty() bool { return len(b.Records) == 0 }

// Payload concatenates the pre-encoded records into the JSON array
// body shipped to the sink.
func (b Batch) Payload() []byte {
	if b.Empty() {
		return nil
	}

	out := make([]byte, 0, b.Size+len(b.Encoded)+1)
	out = append(out, '[')
	for i, enc := range b.Encoded {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, enc...)
	}

	return append(out, ']')
}

// group is the unit of eviction: all records of one receiver POST.
// Dropping whole groups keeps the runtime's payloads atomic.
type group struct {
	records []telemetry.Record
	encoded [][]byte
	size    int
}

// Buffer is safe for one producer (the receiver's handler pool) and
// one consumer (the flusher). The critical section covers in-memory
// operations only.
type Buffer struct {
	log      logr.Logger
	maxBytes int

	mu        sync.Mutex
	groups    []group
	sizeBytes int

	droppedGroups  atomic.Uint64
	droppedRecords atomic.Uint64
	warnLimit      *rate.Limiter
}

func New(maxBytes int, log logr.Logger) *Buffer {
	return &Buffer{
		log:       log,
		maxBytes:  maxBytes,
		warnLimit: rate.NewLimiter(warnInterval, 1),
	}
}

// Push appends one record group. records and encoded run in parallel;
// encoded[i] is the serialized emission form of records[i]. When the
// byte budget would be exceeded, whole groups are evicted from the
// head until the new group fits. A group larger than the budget itself
// is dropped outright.
func (b *Buffer) Push(records []telemetry.Record, encoded [][]byte) {
	if len(records) == 0 {
		return
	}

	g := group{records: records, encoded: encoded}
	for _, enc := range encoded {
		g.size += len(enc)
	}

	var dropped uint64
	b.mu.Lock()
	if g.size > b.maxBytes {
		b.mu.Unlock()
		b.droppedGroups.Add(1)
		b.droppedRecords.Add(uint64(len(records)))
		b.warn(1)

		return
	}
	for b.sizeBytes+g.size > b.maxBytes && len(b.groups) > 0 {
		head := b.groups[0]
		b.groups = b.groups[1:]
		b.sizeBytes -= head.size
		b.droppedGroups.Add(1)
		b.droppedRecords.Add(uint64(len(head.records)))
		dropped++
	}
	b.groups = append(b.groups, g)
	b.sizeBytes += g.size
	b.mu.Unlock()

	if dropped > 0 {
		b.warn(dropped)
	}
}

func (b *Buffer) warn(dropped uint64) {
	if b.warnLimit.Allow() {
		b.log.Info("telemetry buffer overflow, oldest batches dropped",
			"dropped", dropped,
			"droppedGroupsTotal", b.droppedGroups.Load(),
		)
	}
}

// Drain removes and returns a prefix of whole groups whose combined
// serialized size is at most maxBytes. The head group is always taken,
// so a head group larger than maxBytes is returned on its own.
// maxBytes <= 0 drains the full buffer. Order is preserved.
func (b *Buffer) Drain(maxBytes int) Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var batch Batch
	for len(b.groups) > 0 {
		head := b.groups[0]
		if maxBytes > 0 && batch.Size > 0 && batch.Size+head.size > maxBytes {
			break
		}
		batch.Records = append(batch.Records, head.records...)
		batch.Encoded = append(batch.Encoded, head.encoded...)
		batch.Size += head.size
		b.groups = b.groups[1:]
		b.sizeBytes -= head.size
		if maxBytes > 0 && batch.Size >= maxBytes {
			break
		}
	}
	if len(b.groups) == 0 {
		b.groups = nil
	}

	return batch
}

// LenBytes returns the summed serialized size of buffered records.
func (b *Buffer) LenBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sizeBytes
}

func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.groups) == 0
}

// DroppedGroups returns the number of groups evicted on overflow.
func (b *Buffer) DroppedGroups() uint64 { return b.droppedGroups.Load() }

// DroppedRecords returns the number of records evicted on overflow.
func (b *Buffer) DroppedRecords() uint64 { return b.droppedRecords.Load() }
