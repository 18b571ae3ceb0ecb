package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackConn records sent envelopes and lets the test answer them.
type loopbackConn struct {
	mu   sync.Mutex
	sent []Envelope
}

func (c *loopbackConn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *loopbackConn) Receive(ctx context.Context) (Envelope, error) {
	<-ctx.Done()
	return Envelope{}, ctx.Err()
}

func (c *loopbackConn) Close() error { return nil }

func (c *loopbackConn) lastCommand(t *testing.T) ExecutionCommandPayload {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	var payload ExecutionCommandPayload
	require.NoError(t, json.Unmarshal(c.sent[len(c.sent)-1].Payload, &payload))
	return payload
}

func TestBridgeExecuteRoundTrip(t *testing.T) {
	bridge := NewBridge()
	conn := &loopbackConn{}
	bridge.Attach("dev-1", conn)

	done := make(chan struct{})
	var output string
	var execErr error
	go func() {
		defer close(done)
		output, execErr = bridge.Execute(context.Background(), "dev-1", "fs.read", json.RawMessage(`{"path":"a.txt"}`), time.Second)
	}()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cmd := conn.lastCommand(t)
	assert.Equal(t, "fs.read", cmd.Payload.ToolID)
	bridge.Deliver(ExecutionResultPayload{ID: cmd.ID, Output: "file contents"})

	<-done
	require.NoError(t, execErr)
	assert.Equal(t, "file contents", output)
}

func TestBridgeExecuteErrorResult(t *testing.T) {
	bridge := NewBridge()
	conn := &loopbackConn{}
	bridge.Attach("dev-1", conn)

	done := make(chan error, 1)
	go func() {
		_, err := bridge.Execute(context.Background(), "dev-1", "fs.read", nil, time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 1
	}, time.Second, 5*time.Millisecond)

	bridge.Deliver(ExecutionResultPayload{ID: conn.lastCommand(t).ID, Error: "no such file"})
	err := <-done
	assert.ErrorContains(t, err, "no such file")
}

func TestBridgeDisconnectedDevice(t *testing.T) {
	bridge := NewBridge()
	_, err := bridge.Execute(context.Background(), "ghost", "fs.read", nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentDisconnected)
}

func TestBridgeTimeout(t *testing.T) {
	bridge := NewBridge()
	bridge.Attach("dev-1", &loopbackConn{})

	_, err := bridge.Execute(context.Background(), "dev-1", "slow.tool", nil, 30*time.Millisecond)
	assert.ErrorContains(t, err, "timed out")
}

func TestBridgeDetach(t *testing.T) {
	bridge := NewBridge()
	bridge.Attach("dev-1", &loopbackConn{})
	assert.True(t, bridge.Connected("dev-1"))
	bridge.Detach("dev-1")
	assert.False(t, bridge.Connected("dev-1"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypePrompt, PromptPayload{Prompt: "hello", Source: "scheduled_task", ScheduledTaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, TypePrompt, env.Type)
	assert.NotEmpty(t, env.ID)

	var payload PromptPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "hello", payload.Prompt)
	assert.Equal(t, "t1", payload.ScheduledTaskID)
}
