package dot

import (
	"context"
	"time"

	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// followupTimeout bounds how long Dot waits for a pipeline completion
// before unsubscribing. Long-running agents past this window still finish;
// their results land in the workspace.
const followupTimeout = 2 * time.Hour

// fallbackFollowupText is sent when the pipeline crashed or the summary
// call failed. The user always hears back.
const fallbackFollowupText = "The background task finished, but I couldn't put together a proper summary. The full output is in the task workspace."

const followupSystem = `A background agent just finished a task for the user. Summarize the
outcome in a couple of friendly sentences. Lead with what was produced and where it lives.
If the task failed, say so plainly and suggest the most useful next step.`

// awaitFollowup subscribes for one agent's completion and delivers the
// follow-up. Subscribing happens at dispatch; unsubscribe on delivery or
// timeout. Runs detached, so a panic here falls back to the fixed text
// instead of crashing the daemon.
func (d *Dot) awaitFollowup(userID, agentID, messageID string) {
	defer func() {
		if r := recover(); r != nil && d.sendFollow != nil {
			d.sendFollow(userID, FollowupPayload{
				Response:  fallbackFollowupText,
				MessageID: messageID,
				AgentID:   agentID,
			})
		}
	}()

	events, cancel := d.events.Subscribe(userID)
	defer cancel()

	timer := time.NewTimer(followupTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.AgentID != agentID {
				continue
			}
			d.deliverFollowup(userID, messageID, ev.AgentID, ev.Success, ev.Response, ev.Workspace)
			return
		}
	}
}

func (d *Dot) deliverFollowup(userID, messageID, agentID string, success bool, response, workspacePath string) {
	if d.sendFollow == nil {
		return
	}

	text := fallbackFollowupText
	if success || response != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		summary, err := d.summarizeFollowup(ctx, success, response, workspacePath)
		cancel()
		if err == nil && summary != "" {
			text = summary
		}
	}

	d.sendFollow(userID, FollowupPayload{
		Response:      text,
		MessageID:     messageID,
		AgentID:       agentID,
		Success:       success,
		WorkspacePath: workspacePath,
	})
}

func (d *Dot) summarizeFollowup(ctx context.Context, success bool, response, workspacePath string) (string, error) {
	status := "succeeded"
	if !success {
		status = "failed"
	}
	user := "Task " + status + ".\n\nAgent output:\n" + response
	if workspacePath != "" {
		user += "\n\nWorkspace: " + workspacePath
	}
	resp, err := d.client.Chat(ctx, llm.RoleAssistant, []models.Message{
		{Role: models.RoleSystem, Content: followupSystem},
		{Role: models.RoleUser, Content: user},
	}, llm.ChatOptions{})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
