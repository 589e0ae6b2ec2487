// Package truncate reduces a conversation history to fit a provider
// character budget. The leading system message is always kept; older
// turns are dropped whole, newest-first wins.
package truncate

import "github.com/parleyhq/parley/internal/models"

// Budget bounds. Callers clamp before invoking Truncate.
const (
	MinBudget     = 30_000
	MaxBudget     = 320_000
	DefaultBudget = 120_000
)

// Notice is appended to a per-request copy of the system message when
// history was truncated. It is never persisted.
const Notice = " Note: earlier parts of this conversation were omitted to fit the context window."

// Result describes the outcome of a truncation pass.
type Result struct {
	Messages     []models.Message
	WasTruncated bool
	RemovedCount int
}

// ClampBudget restricts a budget to the supported range.
func ClampBudget(budget int) int {
	if budget < MinBudget {
		return MinBudget
	}
	if budget > MaxBudget {
		return MaxBudget
	}
	return budget
}

// Truncate drops older messages so the total content length fits budget.
// messages[0] is treated as the always-kept system message. Messages are
// included whole or not at all, walking from newest to oldest and stopping
// at the first one that would overflow. The result preserves chronological
// order. Truncating an already-truncated result with the same budget is a
// no-op.
func Truncate(messages []models.Message, budget int) Result {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	if total <= budget {
		return Result{Messages: messages}
	}
	if len(messages) == 0 {
		return Result{Messages: messages}
	}

	system := messages[0]
	rest := messages[1:]
	running := len(system.Content)

	// Newest first; kept comes out reversed and is flipped below.
	var kept []models.Message
	for i := len(rest) - 1; i >= 0; i-- {
		if running+len(rest[i].Content) > budget {
			break
		}
		running += len(rest[i].Content)
		kept = append(kept, rest[i])
	}

	out := make([]models.Message, 0, len(kept)+1)
	out = append(out, system)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}

	removed := len(messages) - len(out)
	return Result{
		Messages:     out,
		WasTruncated: removed > 0,
		RemovedCount: removed,
	}
}

// InjectNotice returns a copy of messages whose system message carries the
// truncation notice. The input slice and its messages are not mutated;
// persisted history never sees the notice.
func InjectNotice(messages []models.Message) []models.Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]models.Message, len(messages))
	copy(out, messages)
	out[0].Content += Notice
	return out
}
