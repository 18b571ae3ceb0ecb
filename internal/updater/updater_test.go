package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/druidia-bot/dotbot/internal/observability"
)

func fakeGit(outputs map[string]string, failFetch bool) GitRunner {
	return func(ctx context.Context, args ...string) (string, error) {
		switch args[0] {
		case "fetch":
			if failFetch {
				return "", errors.New("network down")
			}
			return "", nil
		case "rev-parse":
			return outputs[args[1]], nil
		}
		return "", errors.New("unexpected git call")
	}
}

func TestNotifiesOnDivergence(t *testing.T) {
	var notified []string
	c := New(fakeGit(map[string]string{"HEAD": "aaa", "origin/main": "bbb"}, false),
		func(msg string) { notified = append(notified, msg) },
		observability.NewNopLogger(), 24*time.Hour)

	c.CheckOnce(context.Background())
	assert.Len(t, notified, 1)
}

func TestSilentWhenUpToDate(t *testing.T) {
	var notified []string
	c := New(fakeGit(map[string]string{"HEAD": "aaa", "origin/main": "aaa"}, false),
		func(msg string) { notified = append(notified, msg) },
		observability.NewNopLogger(), 24*time.Hour)

	c.CheckOnce(context.Background())
	assert.Empty(t, notified)
}

func TestFailuresAreSwallowed(t *testing.T) {
	var notified []string
	c := New(fakeGit(nil, true),
		func(msg string) { notified = append(notified, msg) },
		observability.NewNopLogger(), 24*time.Hour)

	c.CheckOnce(context.Background())
	assert.Empty(t, notified)
}
