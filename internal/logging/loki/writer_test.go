package loki

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lokiStub records every push it receives.
type lokiStub struct {
	mu       sync.Mutex
	requests []pushRequest
	status   int
}

func newLokiStub(t *testing.T, status int) (*lokiStub, *httptest.Server) {
	t.Helper()
	stub := &lokiStub{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pushPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var req pushRequest
		_ = json.Unmarshal(body, &req)
		stub.mu.Lock()
		stub.requests = append(stub.requests, req)
		stub.mu.Unlock()
		w.WriteHeader(stub.status)
	}))
	t.Cleanup(server.Close)
	return stub, server
}

func (s *lokiStub) pushes() []pushRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pushRequest(nil), s.requests...)
}

func bufferLen(w *Writer) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100/"})

	assert.Equal(t, defaultBatchSize, w.batchSize)
	assert.Equal(t, defaultFlushInterval, w.interval)
	assert.Equal(t, defaultTimeout, w.client.Timeout)
	assert.Equal(t, "http://localhost:3100", w.url)
	assert.Equal(t, "hiveflow", w.labels["job"])
}

func TestNewWriter_CopiesLabels(t *testing.T) {
	labels := map[string]string{"node": "n1", "job": "custom"}
	w := NewWriter(Config{URL: "http://localhost:3100", Labels: labels})

	labels["node"] = "changed"
	assert.Equal(t, "n1", w.labels["node"])
	assert.Equal(t, "custom", w.labels["job"])
}

func TestWriter_SkipsEmptyLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 10})

	for _, p := range []string{"", "   ", "\n", `{"msg":"real"}`} {
		n, err := w.Write([]byte(p))
		require.NoError(t, err)
		assert.Equal(t, len(p), n)
	}
	assert.Equal(t, 1, bufferLen(w))
}

func TestWriter_FlushGroupsByLevel(t *testing.T) {
	stub, server := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: server.URL, Labels: map[string]string{"node": "n1"}})

	logger := zerolog.New(w)
	logger.Info().Msg("stored")
	logger.Warn().Msg("slow disk")
	logger.Info().Msg("stored again")
	_, _ = w.Write([]byte("raw line\n"))

	w.Flush(context.Background())
	assert.Zero(t, bufferLen(w))

	pushes := stub.pushes()
	require.Len(t, pushes, 1)
	streams := pushes[0].Streams
	require.Len(t, streams, 3)

	// Streams are ordered by level name.
	assert.Equal(t, "info", streams[0].Stream["level"])
	assert.Equal(t, "none", streams[1].Stream["level"])
	assert.Equal(t, "warn", streams[2].Stream["level"])
	for _, s := range streams {
		assert.Equal(t, "n1", s.Stream["node"])
		assert.Equal(t, "hiveflow", s.Stream["job"])
	}

	require.Len(t, streams[0].Values, 2)
	assert.Contains(t, streams[0].Values[0][1], "stored")
	assert.Contains(t, streams[0].Values[1][1], "stored again")
	assert.Equal(t, "raw line", streams[1].Values[0][1])
	assert.Zero(t, w.PushErrors())
}

func TestWriter_FlushSplitsBatches(t *testing.T) {
	stub, server := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: server.URL, BatchSize: 2})

	for i := 0; i < 5; i++ {
		_, _ = w.WriteLevel(zerolog.InfoLevel, []byte(`{"msg":"x"}`))
	}
	w.Flush(context.Background())

	pushes := stub.pushes()
	require.Len(t, pushes, 3)
	assert.Len(t, pushes[0].Streams[0].Values, 2)
	assert.Len(t, pushes[2].Streams[0].Values, 1)
}

func TestWriter_RunFlushesFullBatch(t *testing.T) {
	stub, server := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: server.URL, BatchSize: 3, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		_, _ = w.WriteLevel(zerolog.InfoLevel, []byte(`{"msg":"batch"}`))
	}
	assert.Eventually(t, func() bool { return len(stub.pushes()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Lines written after the last push are shipped on shutdown.
	_, _ = w.WriteLevel(zerolog.ErrorLevel, []byte(`{"msg":"last words"}`))
	cancel()
	<-done

	pushes := stub.pushes()
	require.Len(t, pushes, 2)
	assert.Equal(t, "error", pushes[1].Streams[0].Stream["level"])
}

func TestWriter_RunFlushesOnInterval(t *testing.T) {
	stub, server := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: server.URL, BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_, _ = w.Write([]byte(`{"msg":"lonely"}`))
	assert.Eventually(t, func() bool { return len(stub.pushes()) >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_CountsPushErrors(t *testing.T) {
	_, server := newLokiStub(t, http.StatusInternalServerError)
	w := NewWriter(Config{URL: server.URL})

	_, _ = w.Write([]byte(`{"msg":"rejected"}`))
	w.Flush(context.Background())
	assert.Equal(t, uint64(1), w.PushErrors())
	// Failed lines are not kept for retry.
	assert.Zero(t, bufferLen(w))
}

func TestWriter_UnreachableServer(t *testing.T) {
	w := NewWriter(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})

	_, _ = w.Write([]byte(`{"msg":"nowhere"}`))
	w.Flush(context.Background())
	assert.Equal(t, uint64(1), w.PushErrors())
}

func TestWriter_DropsOldestWhenBufferFull(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 2})
	limit := 2 * maxBatches

	for i := 0; i < limit+5; i++ {
		_, _ = w.Write([]byte{byte('a' + i%26)})
	}

	assert.Equal(t, limit, bufferLen(w))
	assert.Equal(t, uint64(5), w.Dropped())

	w.mu.Lock()
	first := w.buffer[0].line
	w.mu.Unlock()
	assert.Equal(t, "f", first)
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	stub, server := newLokiStub(t, http.StatusNoContent)
	w := NewWriter(Config{URL: server.URL, BatchSize: 1000})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = w.WriteLevel(zerolog.DebugLevel, []byte(`{"msg":"c"}`))
			}
		}()
	}
	wg.Wait()
	w.Flush(context.Background())

	pushes := stub.pushes()
	require.Len(t, pushes, 1)
	assert.Len(t, pushes[0].Streams[0].Values, 400)
}
