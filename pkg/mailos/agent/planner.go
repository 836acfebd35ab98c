package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

const plannerSystemPrompt = "You are a planning assistant. Given a task, generate a clear and detailed " +
	"step-by-step plan. Each step should be specific and actionable. Format your response as a " +
	"numbered list with clear steps. Focus on breaking down complex tasks into manageable pieces."

// Planner answers the planner tool with one tool-less call to the
// checker's own adapter.
type Planner struct {
	adapter vendor.Adapter
}

// NewPlanner creates a planner on adapter.
func NewPlanner(adapter vendor.Adapter) *Planner {
	return &Planner{adapter: adapter}
}

// Plan returns a numbered plan for task.
func (p *Planner) Plan(ctx context.Context, task, background string) (string, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n", task)
	if background != "" {
		fmt.Fprintf(&user, "Context: %s\n", background)
	}
	user.WriteString("\nGenerate a detailed step-by-step plan:")

	resp, err := p.adapter.Converse(ctx, vendor.Conversation{
		{Role: vendor.RoleSystem, Content: plannerSystemPrompt},
		{Role: vendor.RoleUser, Content: user.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	if resp == nil || !resp.IsFinal() {
		return "", fmt.Errorf("%w: planner expected a plain answer", mailerr.ErrVendorPermanent)
	}
	return strings.TrimSpace(resp.FinalAnswer), nil
}
