package tools

import (
	"context"
	"fmt"
	"strings"
)

func plannerTool() Tool {
	return Tool{
		Name:        "planner",
		Description: "Generate a detailed step-by-step plan for a given task",
		Parameters: Schema{
			Properties: map[string]Property{
				"task":    {Type: "string", Description: "Description of the task to generate a plan for"},
				"context": {Type: "string", Description: "Optional additional context for the task"},
			},
			Required: []string{"task"},
		},
		Handler: func(ctx context.Context, args map[string]any, _ Config) (any, error) {
			p, ok := PlannerFromContext(ctx)
			if !ok {
				return nil, ErrNoPlanner
			}
			task := strings.TrimSpace(argString(args, "task"))
			if task == "" {
				return nil, fmt.Errorf("task is empty")
			}
			plan, err := p.Plan(ctx, task, strings.TrimSpace(argString(args, "context")))
			if err != nil {
				return nil, fmt.Errorf("generating plan: %w", err)
			}
			if strings.TrimSpace(plan) == "" {
				return nil, fmt.Errorf("no plan generated")
			}
			return map[string]any{"task": task, "plan": plan}, nil
		},
	}
}
