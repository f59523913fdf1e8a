package acpbridge

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSETransportStreamsFrames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\"}\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})

	var mu sync.Mutex
	var posted []string
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		posted = append(posted, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewSSETransport(log, SSEConfig{
		StreamURL: srv.URL + "/stream",
		SendURL:   srv.URL + "/send",
	})
	defer tr.Close()

	reader := bufio.NewReader(tr.Reader())

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "session/update")

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"id":1`)

	n, err := tr.Writer().Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"initialize"}`))
	require.NoError(t, err)
	assert.Positive(t, n)

	mu.Lock()
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "initialize")
	mu.Unlock()
}

func TestSSETransportSendRetries(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewSSETransport(log, SSEConfig{
		StreamURL: srv.URL + "/stream",
		SendURL:   srv.URL + "/send",
	})
	defer tr.Close()

	_, err := tr.Writer().Write([]byte(`{"jsonrpc":"2.0","id":1}`))
	require.NoError(t, err)

	mu.Lock()
	assert.Zero(t, failures)
	mu.Unlock()
}

func TestSSETransportSendClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewSSETransport(log, SSEConfig{
		StreamURL: srv.URL + "/stream",
		SendURL:   srv.URL + "/send",
	})
	defer tr.Close()

	_, err := tr.Writer().Write([]byte(`{"jsonrpc":"2.0","id":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	mu.Lock()
	assert.Equal(t, 1, requests)
	mu.Unlock()
}

func TestSSETransportClosedWriteFails(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewSSETransport(log, SSEConfig{
		StreamURL: "http://127.0.0.1:1/stream",
		SendURL:   "http://127.0.0.1:1/send",
		// One quick attempt, then give up.
		MaxRetries:         1,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	require.NoError(t, tr.Close())

	_, err := tr.Writer().Write([]byte("{}"))
	require.Error(t, err)
}

func TestBackoffCapped(t *testing.T) {
	tr := &SSETransport{cfg: SSEConfig{ReconnectBaseDelay: time.Second}}
	assert.Equal(t, time.Second, tr.backoff(1))
	assert.Equal(t, 2*time.Second, tr.backoff(2))
	assert.Equal(t, 16*time.Second, tr.backoff(5))
	assert.Equal(t, maxReconnectDelay, tr.backoff(10))
}
