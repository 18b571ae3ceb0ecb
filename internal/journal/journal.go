// Package journal records request phase transitions and errors so terminal
// failures surface as plain-language reports instead of stack traces.
package journal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/internal/llm"
)

// Entry is one recorded transition or failure.
type Entry struct {
	Phase string
	Note  string
	Err   error
	Kind  llm.ErrorKind
	At    time.Time
}

// Journal accumulates entries for one user request.
type Journal struct {
	mu       sync.Mutex
	entries  []Entry
	attempts int
	now      func() time.Time
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{now: time.Now}
}

// Phase records a transition.
func (j *Journal) Phase(phase, note string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, Entry{Phase: phase, Note: note, At: j.now()})
}

// Failure records an error in a phase.
func (j *Journal) Failure(phase string, kind llm.ErrorKind, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, Entry{Phase: phase, Err: err, Kind: kind, At: j.now()})
}

// Recovery notes one retry/fallback attempt.
func (j *Journal) Recovery() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
}

// Attempts returns the recovery count.
func (j *Journal) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Entries returns a copy of the recorded entries.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Report assembles the user-facing failure message: plain language, the
// last error's short hint, the recovery count (omitted when zero), and a
// category-specific next step. Raw provider payloads never appear.
func (j *Journal) Report() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var last *Entry
	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].Err != nil {
			last = &j.entries[i]
			break
		}
	}

	var b strings.Builder
	b.WriteString("I couldn't finish that request.")
	if last != nil {
		kind := last.Kind
		if kind == "" {
			kind = llm.KindUnknown
		}
		b.WriteString(" " + shortDescription(kind))
		b.WriteString(" " + kind.Hint())
	}
	if j.attempts > 0 {
		b.WriteString(fmt.Sprintf(" I tried %d recovery attempt(s) before giving up.", j.attempts))
	}
	return b.String()
}

func shortDescription(kind llm.ErrorKind) string {
	switch kind {
	case llm.KindRateLimited:
		return "The model provider is rate limiting us right now."
	case llm.KindUnauthorized:
		return "A provider rejected our credentials."
	case llm.KindTransient:
		return "The provider had a temporary problem."
	case llm.KindTimeout:
		return "The request took too long."
	case llm.KindParse:
		return "The model's output came back malformed."
	case llm.KindCancelled:
		return "The request was cancelled."
	default:
		return "Something unexpected went wrong."
	}
}
