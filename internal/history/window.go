package history

import (
	"fmt"

	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
)

// applyWindow keeps the most recent k rows, and always everything from the
// latest user row onward so the current turn is never cut. Tool results whose
// call fell outside the window are moved to the omitted side so the replay
// never starts with an orphan result.
func applyWindow(rows []domain.Message, k int) (kept, omitted []domain.Message) {
	if k <= 0 || len(rows) <= k {
		return rows, nil
	}
	cut := len(rows) - k
	for cut < len(rows) && rows[cut].Role == domain.RoleTool {
		cut++
	}
	if last := lastUserRow(rows); last >= 0 && last < cut {
		cut = last
	}
	return rows[cut:], rows[:cut]
}

func lastUserRow(rows []domain.Message) int {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}

// omittedNote summarizes the rows left out of the replay, carrying forward the
// latest reasoning summary among them.
func omittedNote(omitted []domain.Message) string {
	note := fmt.Sprintf("%d earlier messages in this conversation are not shown.", len(omitted))
	for i := len(omitted) - 1; i >= 0; i-- {
		row := omitted[i]
		if row.Role == domain.RoleTool && row.ToolName == tools.ReasoningName && row.Content != "" {
			return note + " Last recorded progress: " + row.Content
		}
	}
	return note
}
