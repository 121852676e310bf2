// Package loki provides a zerolog writer that ships node logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultTimeout       = 10 * time.Second

	// Buffered entries beyond batchSize*maxBatches are dropped oldest first
	// while Loki is unreachable.
	maxBatches = 10

	pushPath = "/loki/api/v1/push"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static labels on every stream
	BatchSize     int               // Entries per push (default 100)
	FlushInterval time.Duration     // Default 5s
	Timeout       time.Duration     // Per push (default 10s)
}

// Writer is a zerolog.LevelWriter that buffers log lines and pushes them to
// Loki in batches, one stream per log level. Writes never fail, so an
// unreachable Loki cannot stall storage operations.
type Writer struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	buffer []entry

	flushMu sync.Mutex // serializes pushes
	trigger chan struct{}

	pushErrors atomic.Uint64
	dropped    atomic.Uint64
}

type entry struct {
	ts    time.Time
	level string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

var _ zerolog.LevelWriter = (*Writer)(nil)

// NewWriter creates a Loki writer. Call Run to start shipping.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "hiveflow"
	}

	return &Writer{
		url:       strings.TrimSuffix(cfg.URL, "/"),
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		buffer:    make([]entry, 0, cfg.BatchSize),
		trigger:   make(chan struct{}, 1),
	}
}

// Write buffers a line without a level.
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel buffers a line under its level's stream.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	// zerolog reuses p after Write returns
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	name := level.String()
	if name == "" {
		name = "none"
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{ts: time.Now(), level: name, line: line})
	if over := len(w.buffer) - w.batchSize*maxBatches; over > 0 {
		w.buffer = append(w.buffer[:0], w.buffer[over:]...)
		w.dropped.Add(uint64(over))
	}
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Run pushes buffered lines every flush interval, or sooner when a batch
// fills, until ctx is done. Remaining lines are pushed before it returns.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.trigger:
			w.Flush(ctx)
		}
	}
}

// Flush pushes everything buffered so far. Lines from a failed push are
// not retried.
func (w *Writer) Flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	for start := 0; start < len(entries); start += w.batchSize {
		end := min(start+w.batchSize, len(entries))
		if err := w.push(ctx, entries[start:end]); err != nil {
			// Reported on stderr; logging here would feed back into the writer.
			if n := w.pushErrors.Add(1); n <= 3 {
				fmt.Fprintf(os.Stderr, "loki: %v\n", err)
			}
		}
	}
}

func (w *Writer) push(ctx context.Context, entries []entry) error {
	data, err := json.Marshal(w.payload(entries))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+pushPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push logs: server returned status %d", resp.StatusCode)
	}
	return nil
}

// payload groups entries into one stream per level, in level name order.
func (w *Writer) payload(entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{
			strconv.FormatInt(e.ts.UnixNano(), 10),
			e.line,
		})
	}
	levels := make([]string, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	req := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, l := range levels {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = l
		req.Streams = append(req.Streams, stream{Stream: labels, Values: byLevel[l]})
	}
	return req
}

// PushErrors returns the number of failed pushes.
func (w *Writer) PushErrors() uint64 { return w.pushErrors.Load() }

// Dropped returns the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }
