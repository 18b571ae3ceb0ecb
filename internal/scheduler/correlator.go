package scheduler

import (
	"sync"
	"time"
)

// pendingMeta tracks one in-flight scheduled prompt.
type pendingMeta struct {
	TaskID      string
	PromptID    string
	AgentTaskID string
	SubmittedAt time.Time
	deadline    *time.Timer
}

// Correlator matches scheduler-submitted prompts to their eventual
// results. Phase 1 keys by prompt id; a routing ack moves the entry under
// the server-assigned agent task id for phase 2. Routing acks themselves
// are never results.
type Correlator struct {
	mu       sync.Mutex
	byPrompt map[string]*pendingMeta
	byAgent  map[string]*pendingMeta
	timeout  time.Duration
	onResult func(taskID, response string, failed bool)
}

// NewCorrelator builds a correlator. onResult fires exactly once per
// tracked prompt: with the result, or with failed=true on timeout.
func NewCorrelator(timeout time.Duration, onResult func(taskID, response string, failed bool)) *Correlator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Correlator{
		byPrompt: map[string]*pendingMeta{},
		byAgent:  map[string]*pendingMeta{},
		timeout:  timeout,
		onResult: onResult,
	}
}

// Track begins phase 1 for a submitted prompt.
func (c *Correlator) Track(promptID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := &pendingMeta{TaskID: taskID, PromptID: promptID, SubmittedAt: time.Now()}
	meta.deadline = time.AfterFunc(c.timeout, func() { c.expire(meta) })
	c.byPrompt[promptID] = meta
}

// RoutingAck moves a prompt into phase 2 under its agent task id and
// restarts the timeout.
func (c *Correlator) RoutingAck(promptID, agentTaskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.byPrompt[promptID]
	if !ok {
		return
	}
	delete(c.byPrompt, promptID)
	meta.AgentTaskID = agentTaskID
	c.byAgent[agentTaskID] = meta
	meta.deadline.Reset(c.timeout)
}

// InlineResult resolves a phase-1 prompt with its inline response.
func (c *Correlator) InlineResult(promptID, response string) {
	c.resolve(c.take(promptID, ""), response, false)
}

// Fail resolves a phase-1 prompt as failed without waiting for the
// timeout.
func (c *Correlator) Fail(promptID string) {
	c.resolve(c.take(promptID, ""), "", true)
}

// AgentResult resolves a phase-2 prompt with its background response.
func (c *Correlator) AgentResult(agentTaskID, response string, success bool) {
	c.resolve(c.take("", agentTaskID), response, !success)
}

// InFlight reports the tasks with prompts in either phase.
func (c *Correlator) InFlight() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]bool{}
	for _, m := range c.byPrompt {
		out[m.TaskID] = true
	}
	for _, m := range c.byAgent {
		out[m.TaskID] = true
	}
	return out
}

// Reset drops all in-flight state. Called across reconnects: the server
// will not answer prompts from a dead connection.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.byPrompt {
		m.deadline.Stop()
	}
	for _, m := range c.byAgent {
		m.deadline.Stop()
	}
	c.byPrompt = map[string]*pendingMeta{}
	c.byAgent = map[string]*pendingMeta{}
}

func (c *Correlator) take(promptID, agentTaskID string) *pendingMeta {
	c.mu.Lock()
	defer c.mu.Unlock()

	var meta *pendingMeta
	if promptID != "" {
		meta = c.byPrompt[promptID]
		delete(c.byPrompt, promptID)
	} else {
		meta = c.byAgent[agentTaskID]
		delete(c.byAgent, agentTaskID)
	}
	if meta != nil {
		meta.deadline.Stop()
	}
	return meta
}

func (c *Correlator) resolve(meta *pendingMeta, response string, failed bool) {
	if meta == nil {
		return
	}
	if c.onResult != nil {
		c.onResult(meta.TaskID, response, failed)
	}
}

func (c *Correlator) expire(meta *pendingMeta) {
	c.mu.Lock()
	if meta.AgentTaskID != "" {
		if c.byAgent[meta.AgentTaskID] != meta {
			c.mu.Unlock()
			return
		}
		delete(c.byAgent, meta.AgentTaskID)
	} else {
		if c.byPrompt[meta.PromptID] != meta {
			c.mu.Unlock()
			return
		}
		delete(c.byPrompt, meta.PromptID)
	}
	c.mu.Unlock()
	if c.onResult != nil {
		c.onResult(meta.TaskID, "", true)
	}
}
