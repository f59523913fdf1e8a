package acpbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// extMethodPrefix marks the extension namespace answered locally. The ACP
// connection rejects methods it does not know, so these frames never reach it.
const extMethodPrefix = "autocoder/"

// maxFrameBytes bounds a single JSON-RPC line from the agent.
const maxFrameBytes = 16 * 1024 * 1024

// extRouter sits between the agent's stdout and the ACP connection. Frames
// calling autocoder/* methods are answered from the tool registry; everything
// else passes through untouched. Extension replies and the connection's own
// frames share one mutex so they never interleave on the agent's stdin.
type extRouter struct {
	log   *slog.Logger
	tools *ToolRegistry

	mu      sync.Mutex
	agentIn io.Writer

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newExtRouter(log *slog.Logger, tools *ToolRegistry, agentIn io.Writer, agentOut io.Reader) *extRouter {
	pr, pw := io.Pipe()
	rt := &extRouter{log: log, tools: tools, agentIn: agentIn, pr: pr, pw: pw}
	go rt.pump(agentOut)
	return rt
}

// connReader is the stream the ACP connection reads agent traffic from.
func (rt *extRouter) connReader() io.Reader { return rt.pr }

// connWriter is the stream the ACP connection writes agent-bound frames to.
func (rt *extRouter) connWriter() io.Writer {
	return &lineWriter{mu: &rt.mu, w: rt.agentIn}
}

func (rt *extRouter) pump(agentOut io.Reader) {
	scanner := bufio.NewScanner(agentOut)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if rt.intercept(line) {
			continue
		}
		frame := make([]byte, len(line)+1)
		copy(frame, line)
		frame[len(line)] = '\n'
		if _, err := rt.pw.Write(frame); err != nil {
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	rt.pw.CloseWithError(err)
}

// intercept answers an extension frame; it reports false for anything that
// belongs to the ACP connection.
func (rt *extRouter) intercept(line []byte) bool {
	var frame struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return false
	}
	if !strings.HasPrefix(frame.Method, extMethodPrefix) {
		return false
	}
	go rt.respond(frame.ID, frame.Method, frame.Params)
	return true
}

func (rt *extRouter) respond(id json.RawMessage, method string, params json.RawMessage) {
	result, err := rt.tools.Dispatch(context.Background(), method, params)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		// A notification; nothing to answer.
		if err != nil {
			rt.log.Warn("extension notification failed", "method", method, "error", err)
		}
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if err != nil {
		code := -32603
		if method != ExtMethodToolList && method != ExtMethodToolCall {
			code = -32601
		}
		resp["error"] = map[string]any{"code": code, "message": err.Error()}
	} else {
		resp["result"] = result
	}
	data, merr := json.Marshal(resp)
	if merr != nil {
		rt.log.Error("marshaling extension reply failed", "method", method, "error", merr)
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, werr := rt.agentIn.Write(append(data, '\n')); werr != nil {
		rt.log.Warn("writing extension reply failed", "method", method, "error", werr)
	}
}

// lineWriter batches bytes into newline-terminated frames and writes each one
// under the shared mutex, keeping connection frames whole on the wire.
type lineWriter struct {
	mu *sync.Mutex
	w  io.Writer

	pending []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.pending = append(lw.pending, p...)
	for {
		i := bytes.IndexByte(lw.pending, '\n')
		if i < 0 {
			return len(p), nil
		}
		lw.mu.Lock()
		_, err := lw.w.Write(lw.pending[:i+1])
		lw.mu.Unlock()
		if err != nil {
			return 0, err
		}
		lw.pending = lw.pending[i+1:]
	}
}
