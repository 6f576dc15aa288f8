package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel/core"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// recorder counts processed payloads and can fail selected ones
type recorder struct {
	mu       sync.Mutex
	seen     map[string]int
	failures map[string]int // payload -> remaining transient failures
	fatal    map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		seen:     make(map[string]int),
		failures: make(map[string]int),
		fatal:    make(map[string]bool),
	}
}

func (r *recorder) handle(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload := string(rec.Payload)
	if r.fatal[payload] {
		return core.MalformedEventError("bad payload")
	}
	if r.failures[payload] > 0 {
		r.failures[payload]--
		return core.TransientIOError("handler", fmt.Errorf("flaky"))
	}
	r.seen[payload]++
	return nil
}

func (r *recorder) count(payload string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[payload]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.seen {
		n += c
	}
	return n
}

func startPool(t *testing.T, ml *MemoryLog, workers int, handler Handler) *ConsumerPool {
	t.Helper()
	pool := NewConsumerPool(ml, PoolConfig{
		Stream:       "s",
		Group:        "g",
		Workers:      workers,
		PollInterval: 5 * time.Millisecond,
	}, handler, zap.NewNop().Sugar())
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	return pool
}

func TestPoolProcessesAllRecordsOnce(t *testing.T) {
	ml := newTestLog(t, Options{Partitions: 4})
	ctx := context.Background()

	rec := newRecorder()
	startPool(t, ml, 2, rec.handle)

	for i := 0; i < 20; i++ {
		_, _, err := ml.Publish(ctx, "s", fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return rec.total() == 20 }, "not all records processed")
	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, rec.count(fmt.Sprintf("p%d", i)), "p%d delivered exactly once", i)
	}
	waitFor(t, func() bool {
		for p := 0; p < 4; p++ {
			if ml.Lag("s", "g", p) != 0 {
				return false
			}
		}
		return true
	}, "acked records still counted as lag")
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	ml := newTestLog(t, Options{Partitions: 1, MaxDeliveries: 5})
	ctx := context.Background()

	rec := newRecorder()
	rec.failures["flaky-payload"] = 2
	startPool(t, ml, 1, rec.handle)

	_, _, err := ml.Publish(ctx, "s", "k", []byte("flaky-payload"))
	require.NoError(t, err)

	waitFor(t, func() bool { return rec.count("flaky-payload") == 1 },
		"record never succeeded after transient failures")

	// nothing dead-lettered
	assert.Equal(t, int64(0), ml.Lag(DLQName("s"), "inspect", 0))
}

func TestPoolDeadLettersMalformed(t *testing.T) {
	ml := newTestLog(t, Options{Partitions: 1, MaxDeliveries: 5})
	ctx := context.Background()

	rec := newRecorder()
	rec.fatal["garbage"] = true
	startPool(t, ml, 1, rec.handle)

	_, _, err := ml.Publish(ctx, "s", "k", []byte("garbage"))
	require.NoError(t, err)
	_, _, err = ml.Publish(ctx, "s", "k", []byte("good"))
	require.NoError(t, err)

	// the malformed record is skipped, the next one still flows
	waitFor(t, func() bool { return rec.count("good") == 1 }, "record behind poison never processed")
	assert.Equal(t, 0, rec.count("garbage"))

	waitFor(t, func() bool { return ml.Lag(DLQName("s"), "inspect", 0) == 1 },
		"malformed record not dead-lettered")
}

func TestPoolExhaustedRetriesDeadLetter(t *testing.T) {
	ml := newTestLog(t, Options{Partitions: 1, MaxDeliveries: 2})
	ctx := context.Background()

	rec := newRecorder()
	rec.failures["doomed"] = 100
	startPool(t, ml, 1, rec.handle)

	_, _, err := ml.Publish(ctx, "s", "k", []byte("doomed"))
	require.NoError(t, err)

	waitFor(t, func() bool { return ml.Lag(DLQName("s"), "inspect", 0) == 1 },
		"record not dead-lettered after exhausting deliveries")
	assert.Equal(t, 0, rec.count("doomed"))
}

func TestPoolPreservesPartitionOrder(t *testing.T) {
	ml := newTestLog(t, Options{Partitions: 4})
	ctx := context.Background()

	var mu sync.Mutex
	byPartition := make(map[int][]string)
	handler := func(_ context.Context, rec Record) error {
		mu.Lock()
		byPartition[rec.Partition] = append(byPartition[rec.Partition], string(rec.Payload))
		mu.Unlock()
		return nil
	}

	// publish before starting so the pool sees the real partition count
	total := 0
	for k := 0; k < 4; k++ {
		key := fmt.Sprintf("key-%d", k)
		for i := 0; i < 5; i++ {
			_, _, err := ml.Publish(ctx, "s", key, []byte(fmt.Sprintf("%s/%d", key, i)))
			require.NoError(t, err)
			total++
		}
	}
	startPool(t, ml, 4, handler)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, seq := range byPartition {
			n += len(seq)
		}
		return n == total
	}, "not all records processed")

	mu.Lock()
	defer mu.Unlock()
	for partition, seq := range byPartition {
		// within a partition each key's records arrive in publish order
		positions := make(map[int]int)
		for _, payload := range seq {
			var k, i int
			_, err := fmt.Sscanf(payload, "key-%d/%d", &k, &i)
			require.NoError(t, err)
			assert.Equal(t, positions[k], i, "out of order on partition %d: %v", partition, seq)
			positions[k]++
		}
	}
}

func TestPoolStartIsIdempotent(t *testing.T) {
	ml := newTestLog(t, Options{Partitions: 1})
	pool := startPool(t, ml, 1, func(context.Context, Record) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	pool.Stop()
	pool.Stop() // double stop is safe
}
