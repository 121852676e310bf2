package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiveflow/hiveflow/internal/cell"
)

const (
	defaultServeConcurrency = 5
	defaultServeInterval    = 5 * time.Second
	maxServeRetries         = 3
)

// Sender delivers a served chunk to the peer that requested it.
type Sender func(ctx context.Context, req *ChunkRequest, data *ChunkData) error

// ServeQueueOptions configures a ServeQueue.
type ServeQueueOptions struct {
	Concurrency int           // Parallel serves per drain (default 5)
	Interval    time.Duration // Drain period when not woken (default 5s)
	Logger      zerolog.Logger
}

// requestKey identifies a pending request. A peer asking again for the same
// chunk replaces its earlier request.
type requestKey struct {
	fileID    string
	index     uint32
	requester string
}

type queueEntry struct {
	req        *ChunkRequest
	order      uint64 // arrival order, for FIFO within a priority
	enqueuedAt time.Time
	retries    int
}

// ServeQueue holds pending chunk requests and serves them highest priority
// first, oldest first within a priority, with bounded concurrency.
type ServeQueue struct {
	adapter     *Adapter
	send        Sender
	logger      zerolog.Logger
	concurrency int
	interval    time.Duration

	mu      sync.Mutex
	pending map[requestKey]*queueEntry
	arrived uint64

	wake chan struct{}
}

// NewServeQueue creates a queue that serves through adapter and delivers
// through send.
func NewServeQueue(adapter *Adapter, send Sender, opts ServeQueueOptions) *ServeQueue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultServeConcurrency
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultServeInterval
	}
	return &ServeQueue{
		adapter:     adapter,
		send:        send,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		interval:    opts.Interval,
		pending:     make(map[requestKey]*queueEntry),
		wake:        make(chan struct{}, 1),
	}
}

func keyOf(req *ChunkRequest) requestKey {
	return requestKey{fileID: req.FileID, index: req.ChunkIndex, requester: string(req.RequesterID)}
}

// Enqueue adds req to the queue. It is non-blocking. A request with the
// same file, index and requester as a pending one replaces it but keeps the
// original arrival position.
func (q *ServeQueue) Enqueue(req *ChunkRequest) {
	key := keyOf(req)

	q.mu.Lock()
	if existing, ok := q.pending[key]; ok {
		existing.req = req
		existing.retries = 0
	} else {
		q.arrived++
		q.pending[key] = &queueEntry{
			req:        req,
			order:      q.arrived,
			enqueuedAt: time.Now(),
		}
	}
	q.mu.Unlock()

	q.signal()
}

func (q *ServeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending requests.
func (q *ServeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains the queue whenever it is woken by Enqueue, and every interval,
// until ctx is done.
func (q *ServeQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.Drain(ctx)
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// snapshot removes and returns all pending entries in service order.
func (q *ServeQueue) snapshot() []*queueEntry {
	q.mu.Lock()
	entries := make([]*queueEntry, 0, len(q.pending))
	for key, e := range q.pending {
		entries = append(entries, e)
		delete(q.pending, key)
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		pi, pj := entries[i].req.Priority, entries[j].req.Priority
		if pi != pj {
			return pi > pj
		}
		return entries[i].order < entries[j].order
	})
	return entries
}

// Drain serves every request pending at the time of the call and returns
// how many were delivered. Requests are dispatched in service order; with
// a concurrency above one, deliveries may complete out of that order.
func (q *ServeQueue) Drain(ctx context.Context) int {
	entries := q.snapshot()
	if len(entries) == 0 {
		return 0
	}

	q.logger.Debug().Int("entries", len(entries)).Msg("Draining serve queue")

	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0

	for i, entry := range entries {
		if ctx.Err() != nil {
			q.requeue(entries[i:])
			break
		}
		// Acquire in the dispatching goroutine so slots go out in order.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			q.requeue(entries[i:])
			wg.Wait()
			return delivered
		}

		wg.Add(1)
		go func(e *queueEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			if q.process(ctx, e) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(entry)
	}

	wg.Wait()
	return delivered
}

// process serves and delivers one entry, reporting whether it was delivered.
func (q *ServeQueue) process(ctx context.Context, entry *queueEntry) bool {
	req := entry.req
	data, err := q.adapter.Serve(ctx, req)
	if err != nil {
		if permanent(err) {
			q.logger.Warn().Err(err).
				Str("file_id", req.FileID).
				Uint32("index", req.ChunkIndex).
				Dur("waited", time.Since(entry.enqueuedAt)).
				Msg("Dropping unservable chunk request")
			return false
		}
		q.logger.Error().Err(err).
			Str("file_id", req.FileID).
			Uint32("index", req.ChunkIndex).
			Int("retry", entry.retries).
			Msg("Serving chunk request failed")
		q.reEnqueueOnFailure(entry)
		return false
	}

	if err := q.send(ctx, req, data); err != nil {
		q.logger.Error().Err(err).
			Str("file_id", req.FileID).
			Uint32("index", req.ChunkIndex).
			Uint64("sequence", data.Sequence).
			Int("retry", entry.retries).
			Msg("Sending chunk failed")
		q.reEnqueueOnFailure(entry)
		return false
	}
	return true
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, cell.ErrNotFound) ||
		errors.Is(err, cell.ErrInvalidFileID) ||
		errors.Is(err, cell.ErrCorruptMetadata) ||
		errors.Is(err, ErrChunkIndexOutOfRange) ||
		errors.Is(err, ErrInvalidOffset)
}

// reEnqueueOnFailure re-enqueues a failed entry up to maxServeRetries times.
func (q *ServeQueue) reEnqueueOnFailure(entry *queueEntry) {
	if entry.retries >= maxServeRetries {
		q.logger.Warn().
			Str("file_id", entry.req.FileID).
			Uint32("index", entry.req.ChunkIndex).
			Int("retries", entry.retries).
			Dur("waited", time.Since(entry.enqueuedAt)).
			Msg("Chunk request failed after max retries, dropping")
		return
	}

	key := keyOf(entry.req)
	q.mu.Lock()
	// Only re-enqueue if no newer request arrived meanwhile.
	_, exists := q.pending[key]
	if !exists {
		// enqueuedAt is kept so the wait spans every attempt.
		q.pending[key] = &queueEntry{
			req:        entry.req,
			order:      entry.order,
			enqueuedAt: entry.enqueuedAt,
			retries:    entry.retries + 1,
		}
	}
	q.mu.Unlock()

	if !exists {
		q.signal()
	}
}

// requeue puts undispatched entries back unchanged.
func (q *ServeQueue) requeue(entries []*queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		key := keyOf(e.req)
		if _, exists := q.pending[key]; !exists {
			q.pending[key] = e
		}
	}
}
