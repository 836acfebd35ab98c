package tools

import (
	"net/http"
	"time"

	"github.com/jholhewres/mailos/pkg/mailos/sandbox"
)

// Builtins carries what the built-in tools depend on.
type Builtins struct {
	Runner     *sandbox.Runner
	HTTPClient *http.Client
	SearchURL  string
	ArxivURL   string
	Now        func() time.Time
}

// BuiltinNames lists the built-in tools in registration order.
var BuiltinNames = []string{"execute_bash", "execute_python", "web_search", "arxiv_search", "send_email", "email_review", "planner"}

// RegisterBuiltins registers the built-in tool set on reg.
func RegisterBuiltins(reg *Registry, b Builtins) error {
	for _, t := range []Tool{
		bashTool(b.Runner),
		pythonTool(b.Runner),
		webSearchTool(b.HTTPClient, b.SearchURL),
		arxivTool(b.HTTPClient, b.ArxivURL),
		sendEmailTool(),
		emailReviewTool(b.Now),
		plannerTool(),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
