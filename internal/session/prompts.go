package session

import (
	"strings"

	"github.com/muxworks/muxd/internal/msg"
)

// followUpPrefix and continueSentinel are the engine's internal
// continuation markers. They steer the post-compaction resume and must
// never appear verbatim in prompt text shown to the model.
const (
	followUpPrefix   = "The user wants to continue with:"
	continueSentinel = "[CONTINUE]"
)

const compactionSystemPrompt = `You are compacting a long conversation. Produce a thorough markdown summary that preserves: the user's goals and constraints, decisions made and their reasons, current state of any work in progress, and exact identifiers (file paths, ids, commands) needed to continue. Respond with the summary text only.`

const compactionInstruction = `Context is running low. Summarize the conversation so far into a handoff document, then the conversation will continue from your summary.`

// buildCompactionPrompt renders the request text. Deferred follow-up
// text is mentioned so the summary keeps it actionable, with the
// internal sentinels stripped.
func buildCompactionPrompt(followUp *msg.PendingFollowUp) string {
	text := ""
	if followUp != nil {
		text = stripFollowUpSentinels(followUp.Text)
	}
	if text == "" {
		return compactionInstruction
	}
	return compactionInstruction + "\n\nAfter the summary, the conversation continues with: " + text
}

func stripFollowUpSentinels(s string) string {
	s = strings.ReplaceAll(s, followUpPrefix, "")
	s = strings.ReplaceAll(s, continueSentinel, "")
	return strings.TrimSpace(s)
}
