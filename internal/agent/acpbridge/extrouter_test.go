package acpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agentConn drives the agent side of the wire by hand so extension frames can
// be asserted as the agent would see them.
type agentConn struct {
	t   *testing.T
	in  *bufio.Scanner // frames the bridge wrote to the agent's stdin
	out *io.PipeWriter // frames the agent emits on its stdout
}

func newAgentConn(t *testing.T, reg *ToolRegistry) *agentConn {
	t.Helper()
	agentIn, bridgeOut := io.Pipe()
	bridgeIn, agentOut := io.Pipe()
	t.Cleanup(func() {
		bridgeOut.Close()
		agentOut.Close()
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	New(log, bridgeOut, bridgeIn, Hooks{}, reg)
	return &agentConn{t: t, in: bufio.NewScanner(agentIn), out: agentOut}
}

func (c *agentConn) send(frame string) {
	c.t.Helper()
	_, err := c.out.Write([]byte(frame + "\n"))
	require.NoError(c.t, err)
}

func (c *agentConn) readFrame() map[string]json.RawMessage {
	c.t.Helper()
	lines := make(chan string, 1)
	go func() {
		if c.in.Scan() {
			lines <- c.in.Text()
		}
	}()
	select {
	case line := <-lines:
		var frame map[string]json.RawMessage
		require.NoError(c.t, json.Unmarshal([]byte(line), &frame))
		return frame
	case <-time.After(5 * time.Second):
		c.t.Fatal("no frame from the bridge")
		return nil
	}
}

func echoRegistry() *ToolRegistry {
	reg := NewToolRegistry()
	reg.Register(ToolSpec{Name: "echo", Description: "Echo the input"}, func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]any{"text": in.Text}, nil
	})
	return reg
}

func TestAgentToolListOverWire(t *testing.T) {
	conn := newAgentConn(t, echoRegistry())

	conn.send(`{"jsonrpc":"2.0","id":7,"method":"autocoder/tool/list","params":{}}`)

	frame := conn.readFrame()
	assert.Equal(t, "7", string(frame["id"]))
	require.NotContains(t, frame, "error")

	var result struct {
		Tools []ToolSpec `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(frame["result"], &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestAgentToolCallOverWire(t *testing.T) {
	conn := newAgentConn(t, echoRegistry())

	conn.send(`{"jsonrpc":"2.0","id":8,"method":"autocoder/tool/call","params":{"name":"echo","args":{"text":"hi"}}}`)

	frame := conn.readFrame()
	assert.Equal(t, "8", string(frame["id"]))
	assert.JSONEq(t, `{"text":"hi"}`, string(frame["result"]))
}

func TestAgentUnknownExtensionMethodOverWire(t *testing.T) {
	conn := newAgentConn(t, NewToolRegistry())

	conn.send(`{"jsonrpc":"2.0","id":9,"method":"autocoder/other","params":{}}`)

	frame := conn.readFrame()
	var rpcErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(frame["error"], &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "unsupported method")
}

func TestAgentToolErrorOverWire(t *testing.T) {
	conn := newAgentConn(t, echoRegistry())

	conn.send(`{"jsonrpc":"2.0","id":10,"method":"autocoder/tool/call","params":{"name":"nope"}}`)

	frame := conn.readFrame()
	var rpcErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(frame["error"], &rpcErr))
	assert.Equal(t, -32603, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "unsupported tool")
}
