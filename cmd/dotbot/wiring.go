package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/internal/bus"
	"github.com/druidia-bot/dotbot/internal/dot"
	"github.com/druidia-bot/dotbot/internal/memory"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/pipeline"
	"github.com/druidia-bot/dotbot/internal/scheduler"
	"github.com/druidia-bot/dotbot/internal/tasks"
	"github.com/druidia-bot/dotbot/internal/transport"
	"github.com/druidia-bot/dotbot/internal/vault"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// bridgeContextSource feeds the pipeline from the device bridge plus the
// server-local memory stores.
type bridgeContextSource struct {
	bridge       *transport.Bridge
	mentalModels *memory.MentalModelStore
	research     *memory.ResearchCache
}

func newBridgeContextSource(bridge *transport.Bridge, mm *memory.MentalModelStore, rc *memory.ResearchCache) *bridgeContextSource {
	return &bridgeContextSource{bridge: bridge, mentalModels: mm, research: rc}
}

func (s *bridgeContextSource) Personas(ctx context.Context, deviceID string) ([]pipeline.Persona, error) {
	out, err := s.bridge.Execute(ctx, deviceID, "personas.list", nil, 0)
	if err != nil {
		return nil, err
	}
	var personas []pipeline.Persona
	if err := json.Unmarshal([]byte(out), &personas); err != nil {
		return nil, err
	}
	return personas, nil
}

func (s *bridgeContextSource) Councils(ctx context.Context, deviceID string) ([]pipeline.Council, error) {
	out, err := s.bridge.Execute(ctx, deviceID, "councils.list", nil, 0)
	if err != nil {
		return nil, err
	}
	var councils []pipeline.Council
	if err := json.Unmarshal([]byte(out), &councils); err != nil {
		return nil, err
	}
	return councils, nil
}

// ToolManifest wraps every device tool as a loop tool whose handler
// round-trips through the execution bridge.
func (s *bridgeContextSource) ToolManifest(ctx context.Context, deviceID string) (*agent.ToolRegistry, error) {
	out, err := s.bridge.Execute(ctx, deviceID, "tools.manifest", nil, 0)
	if err != nil {
		return nil, err
	}
	var defs []models.ToolDefinition
	if err := json.Unmarshal([]byte(out), &defs); err != nil {
		return nil, err
	}

	registry := agent.NewToolRegistry()
	for _, def := range defs {
		def := def
		err := registry.Register(agent.Tool{
			Definition: def,
			Handler: func(hctx context.Context, args json.RawMessage) (string, error) {
				return s.bridge.Execute(hctx, deviceID, def.Name, args, 0)
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (s *bridgeContextSource) MemorySpines(ctx context.Context, deviceID string) ([]models.Spine, error) {
	return s.mentalModels.Spines()
}

func (s *bridgeContextSource) ResearchIndex(ctx context.Context, deviceID string) ([]memory.ResearchCacheEntry, error) {
	return s.research.Index(), nil
}

// promptSubmitter routes scheduled-task prompts through the orchestrator,
// the same entry user traffic takes, and feeds outcomes back into the
// correlator's two phases. Each run is appended to a per-task thread.
type promptSubmitter struct {
	dot     *dot.Dot
	events  *bus.Bus
	threads *memory.ThreadStore
	corr    *scheduler.Correlator

	mu          sync.Mutex
	taskThreads map[string]string
}

// SetCorrelator closes the scheduler→submitter→correlator loop after
// construction.
func (p *promptSubmitter) SetCorrelator(c *scheduler.Correlator) { p.corr = c }

func (p *promptSubmitter) Submit(ctx context.Context, promptID, taskID, prompt, personaHint string) error {
	go func() {
		// A panic while handling a scheduled prompt resolves the
		// correlation as a failure instead of killing the daemon.
		defer func() {
			if r := recover(); r != nil {
				p.corr.Fail(promptID)
			}
		}()

		history := p.appendToTaskThread(taskID, models.Message{Role: models.RoleUser, Content: prompt})
		resp, err := p.dot.Handle(context.Background(), dot.Request{
			UserID:    "local",
			Prompt:    prompt,
			Source:    "scheduled_task",
			MessageID: promptID,
			History:   history,
		})
		switch {
		case err != nil:
			p.corr.Fail(promptID)
		case resp.DispatchedAgentID != "":
			// Routing ack: the real result arrives via the event bus.
			p.corr.RoutingAck(promptID, resp.DispatchedAgentID)
			go p.awaitAgent(resp.DispatchedAgentID)
		default:
			p.appendToTaskThread(taskID, models.Message{Role: models.RoleAssistant, Content: resp.Text})
			p.corr.InlineResult(promptID, resp.Text)
		}
	}()
	return nil
}

// appendToTaskThread records the turn in the task's thread and returns the
// recent history for tailoring. Thread trouble never blocks a run.
func (p *promptSubmitter) appendToTaskThread(taskID string, msg models.Message) []models.Message {
	if p.threads == nil {
		return nil
	}
	p.mu.Lock()
	threadID, ok := p.taskThreads[taskID]
	p.mu.Unlock()
	if !ok {
		th, err := p.threads.Create("scheduled task " + taskID)
		if err != nil {
			return nil
		}
		threadID = th.ID
		p.mu.Lock()
		p.taskThreads[taskID] = threadID
		p.mu.Unlock()
	}
	th, err := p.threads.Append(threadID, msg)
	if err != nil {
		return nil
	}
	msgs := th.Messages
	if len(msgs) > 10 {
		msgs = msgs[len(msgs)-10:]
	}
	return msgs
}

func (p *promptSubmitter) awaitAgent(agentID string) {
	defer func() {
		if r := recover(); r != nil {
			p.corr.AgentResult(agentID, "", false)
		}
	}()

	events, cancel := p.events.Subscribe("local")
	defer cancel()
	timeout := time.NewTimer(2 * time.Hour)
	defer timeout.Stop()
	for {
		select {
		case <-timeout.C:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.AgentID == agentID {
				p.corr.AgentResult(agentID, ev.Response, ev.Success)
				return
			}
		}
	}
}

// vaultTools exposes the credential vault to Dot's tool loop. Values stay
// opaque server-encrypted blobs; enumeration returns keys only.
func vaultTools(v *vault.Vault) *agent.ToolRegistry {
	reg := agent.NewToolRegistry()

	type setArgs struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	type keyArgs struct {
		Key string `json:"key"`
	}

	_ = agent.RegisterFunc(reg, "vault.set", "Store a server-encrypted credential blob under a key.",
		func(ctx context.Context, args setArgs) (string, error) {
			if err := v.Set(args.Key, args.Value); err != nil {
				return "", err
			}
			return "stored", nil
		})
	_ = agent.RegisterFunc(reg, "vault.get", "Fetch the credential blob stored under a key.",
		func(ctx context.Context, args keyArgs) (string, error) {
			val, ok := v.Get(args.Key)
			if !ok {
				return "", fmt.Errorf("no credential named %s", args.Key)
			}
			return val, nil
		})
	_ = agent.RegisterFunc(reg, "vault.delete", "Delete the credential stored under a key.",
		func(ctx context.Context, args keyArgs) (string, error) {
			deleted, err := v.Delete(args.Key)
			if err != nil {
				return "", err
			}
			if !deleted {
				return "nothing to delete", nil
			}
			return "deleted", nil
		})
	_ = agent.RegisterFunc(reg, "vault.list", "List stored credential key names.",
		func(ctx context.Context, args struct{}) (string, error) {
			out, err := json.Marshal(v.List())
			return string(out), err
		})
	return reg
}

// authTools exposes invite and device administration to Dot. The invite
// plaintext is returned through the tool result exactly once.
func authTools(invites *auth.InviteStore, devices *auth.DeviceStore) *agent.ToolRegistry {
	reg := agent.NewToolRegistry()

	type inviteArgs struct {
		Label   string `json:"label,omitempty"`
		MaxUses int    `json:"max_uses,omitempty"`
	}
	type revokeArgs struct {
		DeviceID string `json:"device_id"`
	}

	_ = agent.RegisterFunc(reg, "invite.create", "Create a device invite token. Returns the token; it cannot be retrieved again.",
		func(ctx context.Context, args inviteArgs) (string, error) {
			_, plaintext, err := invites.Create(auth.InviteOptions{MaxUses: args.MaxUses, Label: args.Label})
			if err != nil {
				return "", err
			}
			return plaintext, nil
		})
	_ = agent.RegisterFunc(reg, "device.revoke", "Revoke a device so it can no longer authenticate.",
		func(ctx context.Context, args revokeArgs) (string, error) {
			if !devices.Revoke(args.DeviceID) {
				return "", fmt.Errorf("no device %s", args.DeviceID)
			}
			return "revoked", nil
		})
	return reg
}

// recurringTools lets Dot create and pause server-side recurring tasks.
func recurringTools(store *tasks.Store, logger *observability.Logger) *agent.ToolRegistry {
	reg := agent.NewToolRegistry()

	type recurArgs struct {
		Name            string `json:"name"`
		Prompt          string `json:"prompt"`
		ScheduleKind    string `json:"schedule_kind"` // daily, weekly, hourly, interval
		At              string `json:"at,omitempty"`  // HH:MM for daily/weekly
		Weekday         int    `json:"weekday,omitempty"`
		IntervalMinutes int    `json:"interval_minutes,omitempty"`
		Timezone        string `json:"timezone,omitempty"`
		DeviceID        string `json:"device_id,omitempty"`
	}
	type pauseArgs struct {
		TaskID string `json:"task_id"`
	}

	_ = agent.RegisterFunc(reg, "task.recur", "Create a recurring server task that re-runs a prompt on a schedule.",
		func(ctx context.Context, args recurArgs) (string, error) {
			tz := args.Timezone
			if tz == "" {
				tz = "UTC"
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", tz)
			}
			sched := models.Schedule{
				Kind:            models.ScheduleKind(args.ScheduleKind),
				At:              args.At,
				Weekday:         time.Weekday(args.Weekday),
				IntervalMinutes: args.IntervalMinutes,
			}
			next, err := scheduler.NextRun(sched, time.Now().In(loc))
			if err != nil {
				return "", err
			}
			task := &models.RecurringTask{
				ID:        uuid.NewString(),
				UserID:    "local",
				DeviceID:  args.DeviceID,
				Name:      args.Name,
				Prompt:    args.Prompt,
				Schedule:  sched,
				Timezone:  tz,
				NextRunAt: next.UTC(),
			}
			if err := store.CreateRecurring(ctx, task); err != nil {
				return "", err
			}
			logger.Info(ctx, "recurring task created", "task_id", task.ID, "name", task.Name)
			return fmt.Sprintf("Created recurring task %s, first run %s.", task.ID, next.Format(time.RFC1123)), nil
		})
	_ = agent.RegisterFunc(reg, "task.pause", "Pause a recurring server task by id.",
		func(ctx context.Context, args pauseArgs) (string, error) {
			task, err := store.GetRecurring(ctx, args.TaskID)
			if err != nil {
				return "", err
			}
			task.Status = models.TaskPaused
			if err := store.UpdateRecurring(ctx, task); err != nil {
				return "", err
			}
			return "paused", nil
		})
	return reg
}

// recurringRunner executes a recurring task's prompt through the pipeline
// and waits for the completion event.
type recurringRunner struct {
	pipe   *pipeline.Pipeline
	events *bus.Bus
}

func (r recurringRunner) Run(ctx context.Context, t *models.RecurringTask) (string, error) {
	events, cancel := r.events.Subscribe(t.UserID)
	defer cancel()

	agentID := r.pipe.Dispatch(pipeline.DispatchRequest{
		DeviceID: t.DeviceID,
		UserID:   t.UserID,
		Prompt:   t.Prompt,
	})
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return "", fmt.Errorf("event stream closed")
			}
			if ev.AgentID != agentID {
				continue
			}
			if !ev.Success {
				return "", fmt.Errorf("recurring task agent failed: %s", ev.Response)
			}
			return ev.Response, nil
		}
	}
}

// missedNotifier surfaces skipped recurring runs through the log until a
// transport is attached.
type missedNotifier struct {
	logger *observability.Logger
}

func (n missedNotifier) NotifyMissed(t *models.RecurringTask) {
	n.logger.Warn(context.Background(), "recurring task run missed",
		"task_id", t.ID, "name", t.Name, "was_due", t.NextRunAt.Format(time.RFC1123))
}

// deferredRunner executes a deferred task by dispatching its original
// prompt and waiting for the pipeline to finish.
type deferredRunner struct {
	pipe   *pipeline.Pipeline
	events *bus.Bus
}

func (r deferredRunner) RunDeferred(ctx context.Context, t *models.DeferredTask) (string, error) {
	events, cancel := r.events.Subscribe(t.UserID)
	defer cancel()

	agentID := r.pipe.Dispatch(pipeline.DispatchRequest{
		UserID: t.UserID,
		Prompt: t.OriginalPrompt,
	})
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return "", fmt.Errorf("event stream closed")
			}
			if ev.AgentID != agentID {
				continue
			}
			if !ev.Success {
				return "", fmt.Errorf("deferred task agent failed: %s", ev.Response)
			}
			return ev.Response, nil
		}
	}
}
