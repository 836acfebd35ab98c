package tools

import (
	"context"
	"errors"
	"time"
)

// ErrNoMailbox is returned by the email tools when the call was made
// outside a checker run.
var ErrNoMailbox = errors.New("no mailbox bound to this tool call")

// ctxKeyMailbox carries the calling checker's mailbox, so email tools act
// on the checker that received the message and never on another one.
type ctxKeyMailbox struct{}

// Attachment is a file attached to an outgoing mail.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Mail is a new message composed by the send_email tool.
type Mail struct {
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// ReviewQuery selects messages for email_review. Zero times are open
// bounds; Until is exclusive.
type ReviewQuery struct {
	Since      time.Time
	Until      time.Time
	Sender     string
	UnreadOnly bool
	MarkAsRead bool
	Limit      int
}

// ReviewedMessage is one message returned by a review search.
type ReviewedMessage struct {
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	MessageID string    `json:"message_id"`
}

// Mailbox is what the email tools need from the calling checker.
type Mailbox interface {
	SendMail(ctx context.Context, m Mail) error
	Review(ctx context.Context, q ReviewQuery) ([]ReviewedMessage, error)
}

// WithMailbox binds mb to every tool call made with ctx.
func WithMailbox(ctx context.Context, mb Mailbox) context.Context {
	return context.WithValue(ctx, ctxKeyMailbox{}, mb)
}

// MailboxFromContext returns the bound mailbox, if any.
func MailboxFromContext(ctx context.Context) (Mailbox, bool) {
	mb, ok := ctx.Value(ctxKeyMailbox{}).(Mailbox)
	return mb, ok && mb != nil
}

// ErrNoPlanner is returned by the planner tool when no model is bound to
// the call.
var ErrNoPlanner = errors.New("no planner bound to this tool call")

type ctxKeyPlanner struct{}

// Planner turns a task description into a step-by-step plan, using the
// model of the calling checker.
type Planner interface {
	Plan(ctx context.Context, task, background string) (string, error)
}

// WithPlanner binds p to every tool call made with ctx.
func WithPlanner(ctx context.Context, p Planner) context.Context {
	return context.WithValue(ctx, ctxKeyPlanner{}, p)
}

// PlannerFromContext returns the bound planner, if any.
func PlannerFromContext(ctx context.Context) (Planner, bool) {
	p, ok := ctx.Value(ctxKeyPlanner{}).(Planner)
	return p, ok && p != nil
}
