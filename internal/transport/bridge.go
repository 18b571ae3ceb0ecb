package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAgentDisconnected means no local agent is connected for a device.
// Callers degrade to tool-less mode on it.
var ErrAgentDisconnected = errors.New("no local agent connected for device")

// defaultExecTimeout bounds a device-side tool execution.
const defaultExecTimeout = 30 * time.Second

// Bridge correlates execution commands sent to devices with their results.
// One bridge serves all devices; per-device conns register as they
// connect.
type Bridge struct {
	mu      sync.Mutex
	conns   map[string]Conn
	pending map[string]chan ExecutionResultPayload
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{
		conns:   map[string]Conn{},
		pending: map[string]chan ExecutionResultPayload{},
	}
}

// Attach registers a device connection, replacing any previous one.
func (b *Bridge) Attach(deviceID string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[deviceID] = conn
}

// Detach removes a device connection.
func (b *Bridge) Detach(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, deviceID)
}

// Connected reports whether a device has a live connection.
func (b *Bridge) Connected(deviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[deviceID]
	return ok
}

// Execute runs a tool on the device and waits for its result. The timeout
// defaults to 30s when zero.
func (b *Bridge) Execute(ctx context.Context, deviceID, toolID string, args json.RawMessage, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	b.mu.Lock()
	conn, ok := b.conns[deviceID]
	if !ok {
		b.mu.Unlock()
		return "", ErrAgentDisconnected
	}
	id := uuid.NewString()
	ch := make(chan ExecutionResultPayload, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	env, err := NewEnvelope(TypeExecutionCommand, ExecutionCommandPayload{
		ID:      id,
		Type:    "tool",
		Payload: ExecutionDetail{ToolID: toolID, ToolArgs: args},
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if err := conn.Send(ctx, env); err != nil {
		return "", fmt.Errorf("send execution command: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("tool %s timed out after %s on device %s", toolID, timeout, deviceID)
	case result := <-ch:
		if result.Error != "" {
			return "", errors.New(result.Error)
		}
		return result.Output, nil
	}
}

// Deliver routes an execution result frame to its waiting Execute call.
// Unknown ids are dropped; the caller has already timed out.
func (b *Bridge) Deliver(result ExecutionResultPayload) {
	b.mu.Lock()
	ch, ok := b.pending[result.ID]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- result:
		default:
		}
	}
}
