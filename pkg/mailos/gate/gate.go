// Package gate decides whether an inbound message may reach the agent and
// whether the agent's answer may be sent. The rules are biased towards
// skipping: any automated-mail signal wins over a reply.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"

	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/store"
)

// Verdict is the gate's classification.
type Verdict string

const (
	Skip     Verdict = "skip"
	Eligible Verdict = "eligible"
)

// Decision is the outcome of Classify. Sendable is only meaningful for
// Eligible messages.
type Decision struct {
	Verdict  Verdict
	Sendable bool
	Reason   string
	Rule     int
}

// Eligible reports whether the message goes to the agent.
func (d Decision) Eligible() bool { return d.Verdict == Eligible }

// Checker is the slice of checker configuration the gate reads.
type Checker struct {
	ID        string
	Address   string
	AutoReply bool

	// ExtraNoReply extends NoReplyIndicators for this checker.
	ExtraNoReply []string
}

// NoReplyIndicators mark automated senders and subjects.
var NoReplyIndicators = []string{
	"no-reply",
	"noreply",
	"do-not-reply",
	"automated",
	"notification",
	"mailer-daemon",
	"postmaster",
}

// BounceSubjects mark delivery reports and out-of-office answers.
var BounceSubjects = []string{
	"undeliverable",
	"delivery status notification",
	"mail delivery failed",
	"out of office",
	"automatic reply",
}

// ReservedSubjectToken marks mail MailOS produced itself.
const ReservedSubjectToken = "[mailos]"

var presenceHeaders = []string{
	"List-Id",
	"List-Unsubscribe",
	"List-Post",
	"X-Autoreply",
	"X-Autorespond",
	"X-Auto-Response-Suppress",
}

var bulkPrecedence = map[string]bool{
	"bulk":       true,
	"junk":       true,
	"list":       true,
	"auto_reply": true,
}

// Gate classifies messages for every checker.
type Gate struct {
	processed store.ProcessedStore
	logger    *slog.Logger
}

// New creates a Gate backed by processed. A nil store disables the
// processed-state lookup.
func New(processed store.ProcessedStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{processed: processed, logger: logger.With("component", "gate")}
}

// Classify applies the rules in order; the first match wins.
func (g *Gate) Classify(ctx context.Context, msg *mailbox.Message, c Checker) Decision {
	if g.processed != nil && msg.Key != "" {
		done, err := g.processed.IsProcessed(ctx, c.ID, msg.Key)
		if err != nil {
			g.logger.Warn("processed-state lookup failed", "checker", c.ID, "key", msg.Key, "error", err)
		} else if done {
			return skip(0, "already processed")
		}
	}

	if reason := automatedSender(msg, c); reason != "" {
		return skip(1, reason)
	}
	if reason := automatedContent(msg, c); reason != "" {
		return skip(2, reason)
	}
	if !c.AutoReply {
		return Decision{Verdict: Eligible, Sendable: false, Reason: "auto_reply disabled", Rule: 3}
	}
	return Decision{Verdict: Eligible, Sendable: true, Reason: "eligible", Rule: 4}
}

func skip(rule int, reason string) Decision {
	return Decision{Verdict: Skip, Reason: reason, Rule: rule}
}

func automatedSender(msg *mailbox.Message, c Checker) string {
	h := msg.Header
	if v := strings.TrimSpace(h.Get("Auto-Submitted")); v != "" {
		if token, _, _ := strings.Cut(strings.ToLower(v), ";"); strings.TrimSpace(token) != "no" {
			return "Auto-Submitted: " + v
		}
	}
	for _, name := range presenceHeaders {
		if has(h, name) {
			return name + " header present"
		}
	}
	if p := strings.ToLower(strings.TrimSpace(h.Get("Precedence"))); bulkPrecedence[p] {
		return "Precedence: " + p
	}
	if has(h, "Return-Path") {
		for _, v := range h.Values("Return-Path") {
			if strings.TrimSpace(v) == "<>" || strings.TrimSpace(v) == "" {
				return "null Return-Path"
			}
		}
	}

	from := strings.ToLower(strings.TrimSpace(msg.From))
	if from == "" {
		return "missing sender"
	}
	if reason := automatedAddress(from, "sender", c); reason != "" {
		return reason
	}
	// A reply goes to Reply-To, so it must pass the same checks.
	if rt := strings.ToLower(strings.TrimSpace(msg.ReplyTo)); rt != "" && rt != from {
		return automatedAddress(rt, "reply-to", c)
	}
	return ""
}

func automatedAddress(addr, field string, c Checker) string {
	if c.Address != "" && strings.EqualFold(addr, strings.TrimSpace(c.Address)) {
		return field + " is this mailbox"
	}
	local, _, _ := strings.Cut(addr, "@")
	if ind := matchIndicator(local, c.ExtraNoReply); ind != "" {
		return fmt.Sprintf("no-reply %s (%s)", field, ind)
	}
	return ""
}

func automatedContent(msg *mailbox.Message, c Checker) string {
	if has(msg.Header, mailbox.HeaderAutoReply) {
		return mailbox.HeaderAutoReply + " header present"
	}
	subject := strings.ToLower(msg.Subject)
	if strings.Contains(subject, ReservedSubjectToken) {
		return "reserved subject token"
	}
	if ind := matchIndicator(subject, c.ExtraNoReply); ind != "" {
		return fmt.Sprintf("no-reply subject (%s)", ind)
	}
	for _, b := range BounceSubjects {
		if strings.Contains(subject, b) {
			return fmt.Sprintf("bounce subject (%s)", b)
		}
	}
	return ""
}

func has(h textproto.MIMEHeader, name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

func matchIndicator(s string, extra []string) string {
	for _, ind := range NoReplyIndicators {
		if strings.Contains(s, ind) {
			return ind
		}
	}
	for _, ind := range extra {
		ind = strings.ToLower(strings.TrimSpace(ind))
		if ind != "" && strings.Contains(s, ind) {
			return ind
		}
	}
	return ""
}
