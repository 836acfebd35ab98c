package agent

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// DefaultSystemPrompt is used when a checker configures none.
const DefaultSystemPrompt = "You are a helpful email assistant."

// Inbound is the part of a received message shown to the model.
type Inbound struct {
	From        string
	Subject     string
	Body        string
	Attachments []string
}

// ToolInfo names an enabled tool for the prompt.
type ToolInfo struct {
	Name        string
	Description string
}

// SystemPrompt combines the mailbox identity with the checker's own
// instructions.
func SystemPrompt(address, custom string) string {
	custom = strings.TrimSpace(custom)
	if custom == "" {
		custom = DefaultSystemPrompt
	}
	if address == "" {
		return custom
	}
	return fmt.Sprintf("Your email is %s. Tools that send or review email act on this mailbox.\n\n%s", address, custom)
}

// UserPrompt renders the inbound message as the first user turn.
func UserPrompt(msg Inbound, available []ToolInfo) string {
	var b strings.Builder
	b.WriteString("Context: You are responding to an email. Here are the details:\n\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Message: %s\n", strings.TrimSpace(msg.Body))

	if len(msg.Attachments) > 0 {
		b.WriteString("\nAttachments saved for this message:\n")
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}

	if len(available) > 0 {
		b.WriteString("\nYou have access to the following tools:\n")
		for _, t := range available {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	b.WriteString("\nPlease compose a professional and helpful response. Keep your response concise and " +
		"relevant. Your response will be followed by the original message, so you don't need to quote it.\n")
	return b.String()
}

// Task is a scheduled job shown to the model.
type Task struct {
	Title       string
	Description string
	Variables   map[string]string
}

// TaskPrompt renders a scheduled task as the first user turn. The run
// time is added to the variables as "timestamp".
func TaskPrompt(task Task, now time.Time, available []ToolInfo) string {
	vars := make(map[string]string, len(task.Variables)+1)
	maps.Copy(vars, task.Variables)
	vars["timestamp"] = now.Format(time.RFC3339)
	rendered, _ := json.MarshalIndent(vars, "", "  ")

	var b strings.Builder
	b.WriteString("Context: You are processing a scheduled task. Here are the details:\n\n")
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Description: %s\n", strings.TrimSpace(task.Description))
	fmt.Fprintf(&b, "\nAvailable variables:\n%s\n", rendered)

	if len(available) > 0 {
		b.WriteString("\nYou have access to the following tools:\n")
		for _, t := range available {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	b.WriteString("\nYour task is to determine the appropriate action to take based on the task description. " +
		"Use the available tools to accomplish the task.\n")
	return b.String()
}
