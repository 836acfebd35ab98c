package checker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/mailos/pkg/mailos/config"
	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

func digestTask() config.TaskConfig {
	return config.TaskConfig{
		ID:          "digest",
		Title:       "Morning digest",
		Description: "Summarize yesterday's mail and send it to the recipient.",
		Schedule:    "0 8 * * *",
		Enabled:     true,
		Variables:   map[string]string{"recipient": "boss@example.org"},
	}
}

func toolResults(conv vendor.Conversation) []string {
	var out []string
	for _, turn := range conv {
		if turn.Role == vendor.RoleTool {
			out = append(out, turn.Content)
		}
	}
	return out
}

func TestRunTask(t *testing.T) {
	t.Run("answer without mail", func(t *testing.T) {
		adapter := &scriptedAdapter{steps: []step{answer("Nothing to do today.")}}
		h := newHarness(t, checkerConfig(true), adapter)

		rep, err := h.checker.RunTask(context.Background(), digestTask())
		require.NoError(t, err)
		assert.Equal(t, "digest", rep.TaskID)
		assert.NotEmpty(t, rep.RunID)
		assert.Equal(t, "Nothing to do today.", rep.Answer)
		assert.Equal(t, 1, rep.Iterations)
		assert.Zero(t, rep.ToolCalls)
		assert.Zero(t, h.opens.Load(), "the mailbox is only opened when a tool needs it")

		prompt := adapter.seen[0][1].Content
		assert.Contains(t, prompt, "scheduled task")
		assert.Contains(t, prompt, "Title: Morning digest\n")
		assert.Contains(t, prompt, `"recipient": "boss@example.org"`)
	})

	t.Run("email tools use the checker mailbox", func(t *testing.T) {
		adapter := &scriptedAdapter{steps: []step{
			toolCalls(vendor.ToolCall{ID: "s", Name: "send_email", Arguments: `{"to":"boss@example.org","subject":"Digest","body":"Two new messages."}`}),
			answer("Digest sent."),
		}}
		h := newHarness(t, checkerConfig(true, "send_email"), adapter)

		rep, err := h.checker.RunTask(context.Background(), digestTask())
		require.NoError(t, err)
		assert.Equal(t, 1, rep.ToolCalls)
		require.Len(t, h.mb.sent, 1)
		assert.Equal(t, []string{"boss@example.org"}, h.mb.sent[0].To)
		assert.Equal(t, int32(1), h.opens.Load())
		assert.Equal(t, 1, h.mb.closed)
	})

	t.Run("auto_reply off refuses send_email", func(t *testing.T) {
		adapter := &scriptedAdapter{steps: []step{
			toolCalls(vendor.ToolCall{ID: "s", Name: "send_email", Arguments: `{"to":"boss@example.org","subject":"Digest","body":"x"}`}),
			answer("Could not send."),
		}}
		h := newHarness(t, checkerConfig(false, "send_email"), adapter)

		_, err := h.checker.RunTask(context.Background(), digestTask())
		require.NoError(t, err)
		assert.Empty(t, h.mb.sent)
		results := toolResults(adapter.seen[1])
		require.Len(t, results, 1)
		assert.Contains(t, results[0], "monitor only")
	})

	t.Run("empty answer", func(t *testing.T) {
		h := newHarness(t, checkerConfig(true), &scriptedAdapter{steps: []step{answer("  ")}})
		_, err := h.checker.RunTask(context.Background(), digestTask())
		require.Error(t, err)
		assert.True(t, errors.Is(err, mailerr.ErrVendorPermanent))
		assert.Contains(t, err.Error(), "task digest")
	})
}

func TestPlannerToolUsesCheckerModel(t *testing.T) {
	adapter := &scriptedAdapter{steps: []step{
		toolCalls(vendor.ToolCall{ID: "p", Name: "planner", Arguments: `{"task":"Reconcile the invoices","context":"Q3 only"}`}),
		answer("1. Collect the invoices\n2. Compare the totals"),
		answer("Here is how I will proceed."),
	}}
	h := newHarness(t, checkerConfig(true, "planner"), adapter, inboxMessage(7, "alice@example.org", "Invoices", nil))

	rep, err := h.checker.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replied)
	require.Equal(t, 3, adapter.callCount())

	planning := adapter.seen[1]
	require.Len(t, planning, 2)
	assert.Equal(t, vendor.RoleSystem, planning[0].Role)
	assert.Contains(t, planning[1].Content, "Task: Reconcile the invoices\n")
	assert.Contains(t, planning[1].Content, "Context: Q3 only\n")

	results := toolResults(adapter.seen[2])
	require.Len(t, results, 1)
	assert.Contains(t, results[0], `"status":"success"`)
	assert.Contains(t, results[0], "1. Collect the invoices")
}
