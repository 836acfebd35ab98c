package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemPrompt(t *testing.T) {
	t.Run("default instructions", func(t *testing.T) {
		p := SystemPrompt("bot@example.com", "  ")
		assert.True(t, strings.HasPrefix(p, "Your email is bot@example.com."))
		assert.True(t, strings.HasSuffix(p, DefaultSystemPrompt))
	})

	t.Run("custom instructions", func(t *testing.T) {
		p := SystemPrompt("bot@example.com", "Answer like a pirate.")
		assert.Contains(t, p, "Answer like a pirate.")
		assert.NotContains(t, p, DefaultSystemPrompt)
	})

	t.Run("no address", func(t *testing.T) {
		assert.Equal(t, "Be brief.", SystemPrompt("", "Be brief."))
	})
}

func TestUserPrompt(t *testing.T) {
	msg := Inbound{
		From:    "Alice <alice@example.com>",
		Subject: "Quarterly numbers",
		Body:    "\nCan you send the totals?\n\n",
	}

	t.Run("message block", func(t *testing.T) {
		p := UserPrompt(msg, nil)
		assert.True(t, strings.HasPrefix(p, "Context: You are responding to an email."))
		assert.Contains(t, p, "From: Alice <alice@example.com>\n")
		assert.Contains(t, p, "Subject: Quarterly numbers\n")
		assert.Contains(t, p, "Message: Can you send the totals?\n")
		assert.Contains(t, p, "you don't need to quote it")
		assert.NotContains(t, p, "following tools")
		assert.NotContains(t, p, "Attachments")
	})

	t.Run("tools and attachments listed", func(t *testing.T) {
		withFiles := msg
		withFiles.Attachments = []string{"/data/att/1/report.pdf"}
		p := UserPrompt(withFiles, []ToolInfo{
			{Name: "web_search", Description: "Search the web"},
			{Name: "execute_python", Description: "Run Python"},
		})
		assert.Contains(t, p, "- /data/att/1/report.pdf\n")
		assert.Contains(t, p, "You have access to the following tools:\n- web_search: Search the web\n- execute_python: Run Python\n")
	})
}

func TestTaskPrompt(t *testing.T) {
	task := Task{
		Title:       "Morning digest",
		Description: "Summarize unread mail and send it to the recipient.\n",
		Variables:   map[string]string{"recipient": "boss@example.org"},
	}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	p := TaskPrompt(task, now, []ToolInfo{{Name: "send_email", Description: "Send an email"}})
	assert.True(t, strings.HasPrefix(p, "Context: You are processing a scheduled task."))
	assert.Contains(t, p, "Title: Morning digest\n")
	assert.Contains(t, p, "Description: Summarize unread mail and send it to the recipient.\n")
	assert.Contains(t, p, `"recipient": "boss@example.org"`)
	assert.Contains(t, p, `"timestamp": "2024-05-01T08:00:00Z"`)
	assert.Contains(t, p, "- send_email: Send an email\n")
	assert.NotContains(t, task.Variables, "timestamp", "the task's own variables are not modified")

	bare := TaskPrompt(Task{Title: "t", Description: "d"}, now, nil)
	assert.NotContains(t, bare, "following tools")
}
