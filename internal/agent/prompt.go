package agent

import (
	"fmt"
	"time"
)

// FallbackReply is sent when the iteration budget runs out without a verdict.
const FallbackReply = "I was unable to complete the task within the allowed steps."

const basePrompt = `You are a helpful assistant that works step by step.

Current time (%s): %s

Available tools:
- reasoning: reflect on your reasoning progress and decide whether you are ready to reply.

Tool usage:
1. For non-trivial tasks, call the reasoning tool before giving a final answer.
2. When ready_to_reply is false, do NOT provide a final user-facing answer yet.
3. When ready_to_reply becomes true, respond to the user in natural language.`

// SystemPrompt renders the fixed preamble for now in loc, followed by suffix
// when one is given.
func SystemPrompt(now time.Time, loc *time.Location, suffix string) string {
	if loc == nil {
		loc = time.UTC
	}
	prompt := fmt.Sprintf(basePrompt, loc.String(), now.In(loc).Format("2006/01/02 15:04:05"))
	if suffix != "" {
		prompt += "\n\n" + suffix
	}
	return prompt
}
