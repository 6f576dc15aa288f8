package eventlog

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/metrics"
	"sentinel/util/goroutine"
)

// Options configures the in-memory log
type Options struct {
	// Partitions per stream
	Partitions int
	// MaxDeliveries before a record is dead-lettered on Nack
	MaxDeliveries int
	// RedeliveryTimeout after which an unacked delivery is fetchable again
	RedeliveryTimeout time.Duration
	// Retention bounds how long source-stream records are kept
	Retention time.Duration
	// DLQRetention bounds how long dead-lettered records are kept
	DLQRetention time.Duration
}

// DefaultOptions returns the reference configuration
func DefaultOptions() Options {
	return Options{
		Partitions:        8,
		MaxDeliveries:     3,
		RedeliveryTimeout: 30 * time.Second,
		Retention:         24 * time.Hour,
		DLQRetention:      7 * 24 * time.Hour,
	}
}

// MemoryLog is the in-memory reference implementation of Log. Streams are
// created on first publish; dead-letter streams are ordinary streams named
// <stream>.dlq with a retention janitor.
type MemoryLog struct {
	mu      sync.RWMutex
	opts    Options
	streams map[string]*memStream
	logger  *zap.SugaredLogger

	janitorCancel context.CancelFunc
	janitorWg     sync.WaitGroup
}

type memStream struct {
	mu         sync.Mutex
	partitions []*memPartition
	groups     map[string]*groupState
}

type memPartition struct {
	baseOffset int64
	records    []storedRecord
}

type storedRecord struct {
	key        string
	payload    []byte
	enqueuedAt time.Time
}

type groupState struct {
	cursors []*cursor
}

// cursor tracks one group's position on one partition. next is the first
// never-delivered offset; delivered-but-unacked records live in inflight.
type cursor struct {
	next     int64
	inflight map[int64]*delivery
}

type delivery struct {
	deliveries  int
	deliveredAt time.Time
	redeliver   bool
}

// NewMemoryLog creates an in-memory log and starts its DLQ retention janitor
func NewMemoryLog(opts Options, logger *zap.SugaredLogger) *MemoryLog {
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultOptions().Partitions
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultOptions().MaxDeliveries
	}
	if opts.RedeliveryTimeout <= 0 {
		opts.RedeliveryTimeout = DefaultOptions().RedeliveryTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	if opts.DLQRetention <= 0 {
		opts.DLQRetention = DefaultOptions().DLQRetention
	}

	ml := &MemoryLog{
		opts:    opts,
		streams: make(map[string]*memStream),
		logger:  logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ml.janitorCancel = cancel
	ml.janitorWg.Add(1)
	go ml.janitor(ctx)

	return ml
}

// Close stops the retention janitor
func (ml *MemoryLog) Close() {
	if ml.janitorCancel != nil {
		ml.janitorCancel()
	}
	ml.janitorWg.Wait()
}

// Publish appends a record to the partition derived from key
func (ml *MemoryLog) Publish(ctx context.Context, stream, key string, payload []byte) (int, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	st := ml.getOrCreateStream(stream)
	partition := PartitionFor(key, len(st.partitions))

	st.mu.Lock()
	defer st.mu.Unlock()

	p := st.partitions[partition]
	offset := p.baseOffset + int64(len(p.records))
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.records = append(p.records, storedRecord{
		key:        key,
		payload:    buf,
		enqueuedAt: time.Now(),
	})

	metrics.EventsPublished.WithLabelValues(stream).Inc()
	return partition, offset, nil
}

// Fetch returns up to max records for a group from one partition in offset
// order: due redeliveries first, then undelivered records
func (ml *MemoryLog) Fetch(ctx context.Context, stream, group string, partition, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := ml.lookupStream(stream)
	if st == nil {
		return nil, ErrUnknownStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if partition < 0 || partition >= len(st.partitions) {
		return nil, ErrInvalidPartition
	}

	cur := st.cursorLocked(group, partition)
	p := st.partitions[partition]
	now := time.Now()

	var out []Record

	// Redeliveries in offset order keep partition FIFO intact for retries.
	redeliverable := make([]int64, 0, len(cur.inflight))
	for offset, d := range cur.inflight {
		if d.redeliver || now.Sub(d.deliveredAt) > ml.opts.RedeliveryTimeout {
			redeliverable = append(redeliverable, offset)
		}
	}
	sort.Slice(redeliverable, func(i, j int) bool { return redeliverable[i] < redeliverable[j] })

	for _, offset := range redeliverable {
		if len(out) >= max {
			break
		}
		d := cur.inflight[offset]
		d.deliveries++
		d.deliveredAt = now
		d.redeliver = false
		rec, ok := p.recordAt(offset)
		if !ok {
			// Retention trimmed the record out from under the group
			delete(cur.inflight, offset)
			continue
		}
		out = append(out, Record{
			Stream:     stream,
			Partition:  partition,
			Offset:     offset,
			Key:        rec.key,
			Payload:    rec.payload,
			Deliveries: d.deliveries,
			EnqueuedAt: rec.enqueuedAt,
		})
	}

	end := p.baseOffset + int64(len(p.records))
	if cur.next < p.baseOffset {
		cur.next = p.baseOffset
	}
	for len(out) < max && cur.next < end {
		offset := cur.next
		rec, _ := p.recordAt(offset)
		cur.inflight[offset] = &delivery{deliveries: 1, deliveredAt: now}
		cur.next++
		out = append(out, Record{
			Stream:     stream,
			Partition:  partition,
			Offset:     offset,
			Key:        rec.key,
			Payload:    rec.payload,
			Deliveries: 1,
			EnqueuedAt: rec.enqueuedAt,
		})
	}

	if len(out) > 0 {
		metrics.EventsConsumed.WithLabelValues(stream, group).Add(float64(len(out)))
	}
	metrics.ConsumerLag.WithLabelValues(stream, group, strconv.Itoa(partition)).
		Set(float64(end - cur.next + int64(len(cur.inflight))))

	return out, nil
}

// Ack marks a delivered record as processed
func (ml *MemoryLog) Ack(ctx context.Context, stream, group string, partition int, offset int64) error {
	st := ml.lookupStream(stream)
	if st == nil {
		return ErrUnknownStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if partition < 0 || partition >= len(st.partitions) {
		return ErrInvalidPartition
	}
	cur := st.cursorLocked(group, partition)
	if _, ok := cur.inflight[offset]; !ok {
		return ErrUnknownOffset
	}
	delete(cur.inflight, offset)
	return nil
}

// Nack schedules a redelivery, or dead-letters the record once its delivery
// budget is spent
func (ml *MemoryLog) Nack(ctx context.Context, stream, group string, partition int, offset int64) error {
	st := ml.lookupStream(stream)
	if st == nil {
		return ErrUnknownStream
	}

	st.mu.Lock()
	if partition < 0 || partition >= len(st.partitions) {
		st.mu.Unlock()
		return ErrInvalidPartition
	}
	cur := st.cursorLocked(group, partition)
	d, ok := cur.inflight[offset]
	if !ok {
		st.mu.Unlock()
		return ErrUnknownOffset
	}

	if d.deliveries >= ml.opts.MaxDeliveries {
		rec, found := st.partitions[partition].recordAt(offset)
		delete(cur.inflight, offset)
		st.mu.Unlock()
		if found {
			return ml.deadLetter(ctx, stream, rec, "max_deliveries")
		}
		return nil
	}

	d.redeliver = true
	st.mu.Unlock()
	return nil
}

// ToDLQ dead-letters a delivered record immediately, bypassing retries
func (ml *MemoryLog) ToDLQ(ctx context.Context, stream, group string, partition int, offset int64, reason string) error {
	st := ml.lookupStream(stream)
	if st == nil {
		return ErrUnknownStream
	}

	st.mu.Lock()
	if partition < 0 || partition >= len(st.partitions) {
		st.mu.Unlock()
		return ErrInvalidPartition
	}
	cur := st.cursorLocked(group, partition)
	if _, ok := cur.inflight[offset]; !ok {
		st.mu.Unlock()
		return ErrUnknownOffset
	}
	rec, found := st.partitions[partition].recordAt(offset)
	delete(cur.inflight, offset)
	st.mu.Unlock()

	if !found {
		return nil
	}
	return ml.deadLetter(ctx, stream, rec, reason)
}

// Reset rewinds a group's cursor for replay, dropping inflight state
func (ml *MemoryLog) Reset(ctx context.Context, stream, group string, partition int, offset int64) error {
	st := ml.lookupStream(stream)
	if st == nil {
		return ErrUnknownStream
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if partition < 0 || partition >= len(st.partitions) {
		return ErrInvalidPartition
	}
	cur := st.cursorLocked(group, partition)
	cur.next = offset
	cur.inflight = make(map[int64]*delivery)
	return nil
}

// Replay republishes up to max dead-lettered records to the source stream.
// The replay position is tracked as an ordinary consumer group on the DLQ so
// repeated invocations continue where the last one stopped.
func (ml *MemoryLog) Replay(ctx context.Context, dlqStream string, max int) (int, error) {
	if !IsDLQ(dlqStream) {
		return 0, ErrUnknownStream
	}
	st := ml.lookupStream(dlqStream)
	if st == nil {
		return 0, ErrUnknownStream
	}

	const replayGroup = "dlq-replay"
	source := SourceOf(dlqStream)
	replayed := 0

	for partition := 0; partition < len(st.partitions) && replayed < max; partition++ {
		records, err := ml.Fetch(ctx, dlqStream, replayGroup, partition, max-replayed)
		if err != nil {
			return replayed, err
		}
		for _, rec := range records {
			if _, _, err := ml.Publish(ctx, source, rec.Key, rec.Payload); err != nil {
				return replayed, err
			}
			if err := ml.Ack(ctx, dlqStream, replayGroup, partition, rec.Offset); err != nil {
				return replayed, err
			}
			replayed++
		}
	}

	if replayed > 0 && ml.logger != nil {
		ml.logger.Infow("Replayed dead-lettered records",
			"dlq", dlqStream, "source", source, "count", replayed)
	}
	return replayed, nil
}

// Partitions reports the partition count of a stream, zero if unknown
func (ml *MemoryLog) Partitions(stream string) int {
	st := ml.lookupStream(stream)
	if st == nil {
		return ml.opts.Partitions
	}
	return len(st.partitions)
}

// Lag reports uncommitted records for a group on one partition
func (ml *MemoryLog) Lag(stream, group string, partition int) int64 {
	st := ml.lookupStream(stream)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if partition < 0 || partition >= len(st.partitions) {
		return 0
	}
	cur := st.cursorLocked(group, partition)
	p := st.partitions[partition]
	end := p.baseOffset + int64(len(p.records))
	return end - cur.next + int64(len(cur.inflight))
}

func (ml *MemoryLog) deadLetter(ctx context.Context, stream string, rec storedRecord, reason string) error {
	dlq := DLQName(stream)
	if _, _, err := ml.Publish(ctx, dlq, rec.key, rec.payload); err != nil {
		return err
	}
	metrics.DLQMessages.WithLabelValues(stream, reason).Inc()
	if ml.logger != nil {
		ml.logger.Warnw("Record dead-lettered",
			"stream", stream, "dlq", dlq, "reason", reason, "key", rec.key)
	}
	return nil
}

func (ml *MemoryLog) getOrCreateStream(stream string) *memStream {
	ml.mu.RLock()
	st, ok := ml.streams[stream]
	ml.mu.RUnlock()
	if ok {
		return st
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if st, ok = ml.streams[stream]; ok {
		return st
	}

	partitions := ml.opts.Partitions
	if IsDLQ(stream) {
		// Dead-letter streams carry no ordering requirement
		partitions = 1
	}
	st = &memStream{
		partitions: make([]*memPartition, partitions),
		groups:     make(map[string]*groupState),
	}
	for i := range st.partitions {
		st.partitions[i] = &memPartition{}
	}
	ml.streams[stream] = st
	return st
}

func (ml *MemoryLog) lookupStream(stream string) *memStream {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.streams[stream]
}

// cursorLocked returns the group's cursor for a partition; st.mu must be held
func (st *memStream) cursorLocked(group string, partition int) *cursor {
	gs, ok := st.groups[group]
	if !ok {
		gs = &groupState{cursors: make([]*cursor, len(st.partitions))}
		st.groups[group] = gs
	}
	if gs.cursors[partition] == nil {
		gs.cursors[partition] = &cursor{inflight: make(map[int64]*delivery)}
	}
	return gs.cursors[partition]
}

func (p *memPartition) recordAt(offset int64) (storedRecord, bool) {
	idx := offset - p.baseOffset
	if idx < 0 || idx >= int64(len(p.records)) {
		return storedRecord{}, false
	}
	return p.records[idx], true
}

// janitor trims streams past their retention period, bounding per-partition
// segments. DLQ streams keep their own, longer retention.
func (ml *MemoryLog) janitor(ctx context.Context) {
	defer ml.janitorWg.Done()
	defer goroutine.Recover("eventlog-janitor", ml.logger)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ml.trimExpired()
		}
	}
}

func (ml *MemoryLog) trimExpired() {
	now := time.Now()

	ml.mu.RLock()
	names := make([]string, 0, len(ml.streams))
	for name := range ml.streams {
		names = append(names, name)
	}
	ml.mu.RUnlock()

	for _, name := range names {
		cutoff := now.Add(-ml.opts.Retention)
		if IsDLQ(name) {
			cutoff = now.Add(-ml.opts.DLQRetention)
		}

		st := ml.lookupStream(name)
		st.mu.Lock()
		for _, p := range st.partitions {
			trimmed := 0
			for trimmed < len(p.records) && p.records[trimmed].enqueuedAt.Before(cutoff) {
				trimmed++
			}
			if trimmed > 0 {
				p.records = p.records[trimmed:]
				p.baseOffset += int64(trimmed)
			}
		}
		st.mu.Unlock()
	}
}
