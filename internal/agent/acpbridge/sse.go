package acpbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/r3labs/sse/v2"
)

// SSEConfig configures the SSE agent transport.
type SSEConfig struct {
	// StreamURL is the SSE endpoint carrying agent-to-client JSON-RPC.
	StreamURL string
	// SendURL receives client-to-agent JSON-RPC lines via POST.
	SendURL string
	// HeartbeatTimeout forces a reconnect when no event arrives in time.
	HeartbeatTimeout time.Duration
	// ReconnectBaseDelay seeds the exponential backoff between attempts.
	ReconnectBaseDelay time.Duration
	// MaxRetries bounds consecutive failed reconnects; 0 means unbounded.
	MaxRetries int
}

const (
	maxReconnectDelay = 30 * time.Second
	sendAttempts      = 3
)

// SSETransport adapts a remote agent reachable over SSE + POST into the
// io.Reader/io.Writer pair the bridge expects. Events stream in over SSE and
// are framed back into newline-delimited JSON-RPC; outbound messages are
// POSTed one per call.
type SSETransport struct {
	log *slog.Logger
	cfg SSEConfig

	pr *io.PipeReader
	pw *io.PipeWriter

	httpClient *http.Client
	cancel     context.CancelFunc

	lastEvent atomic.Int64
	closed    atomic.Bool
}

// NewSSETransport connects in the background and starts the reconnect loop.
func NewSSETransport(log *slog.Logger, cfg SSEConfig) *SSETransport {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t := &SSETransport{
		log:        log.With("component", "sse-transport"),
		cfg:        cfg,
		pr:         pr,
		pw:         pw,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cancel:     cancel,
	}
	t.lastEvent.Store(time.Now().UnixNano())
	go t.run(ctx)
	return t
}

// Reader returns the agent-to-client stream.
func (t *SSETransport) Reader() io.ReadCloser {
	return t.pr
}

// Writer returns the client-to-agent stream.
func (t *SSETransport) Writer() io.WriteCloser {
	return &sseWriter{t: t}
}

// Close tears the transport down; the reader sees EOF.
func (t *SSETransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	return t.pw.Close()
}

func (t *SSETransport) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := t.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}

		attempt++
		if t.cfg.MaxRetries > 0 && attempt > t.cfg.MaxRetries {
			t.log.Error("giving up on SSE stream", "attempts", attempt-1, "error", err)
			t.pw.CloseWithError(fmt.Errorf("sse stream lost after %d attempts: %w", attempt-1, err))
			return
		}

		delay := t.backoff(attempt)
		t.log.Warn("SSE stream dropped, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// subscribe holds one SSE connection open until it fails or the heartbeat
// watchdog trips.
func (t *SSETransport) subscribe(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.lastEvent.Store(time.Now().UnixNano())
	go t.watchdog(subCtx, cancel)

	client := sse.NewClient(t.cfg.StreamURL)
	err := client.SubscribeRawWithContext(subCtx, func(msg *sse.Event) {
		t.lastEvent.Store(time.Now().UnixNano())
		if string(msg.Event) == "heartbeat" || len(msg.Data) == 0 {
			return
		}
		if _, werr := t.pw.Write(append(msg.Data, '\n')); werr != nil {
			cancel()
		}
	})
	if err == nil {
		err = fmt.Errorf("sse stream ended")
	}
	return err
}

func (t *SSETransport) watchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := t.cfg.HeartbeatTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, t.lastEvent.Load())
			if time.Since(last) > t.cfg.HeartbeatTimeout {
				t.log.Warn("SSE heartbeat missed, dropping connection", "since", time.Since(last))
				cancel()
				return
			}
		}
	}
}

func (t *SSETransport) backoff(attempt int) time.Duration {
	delay := t.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// sseWriter POSTs each JSON-RPC frame to the agent's send endpoint.
type sseWriter struct {
	t *SSETransport
}

// permanentSendError marks a POST failure retries cannot fix.
type permanentSendError struct {
	err error
}

func (e *permanentSendError) Error() string { return e.err.Error() }
func (e *permanentSendError) Unwrap() error { return e.err }

func (w *sseWriter) Write(p []byte) (int, error) {
	if w.t.closed.Load() {
		return 0, fmt.Errorf("transport closed")
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		lastErr = w.t.post(p)
		if lastErr == nil {
			return len(p), nil
		}
		var perm *permanentSendError
		if errors.As(lastErr, &perm) {
			return 0, fmt.Errorf("send rejected: %w", perm.err)
		}
		w.t.log.Debug("send failed", "attempt", attempt, "error", lastErr)
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	return 0, fmt.Errorf("send failed after %d attempts: %w", sendAttempts, lastErr)
}

func (w *sseWriter) Close() error {
	return w.t.Close()
}

func (t *SSETransport) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, t.cfg.SendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The agent rejected the frame; retrying would send it again verbatim.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &permanentSendError{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)}
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
}
