package tools

import (
	"context"
	"fmt"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/mailos/pkg/mailos/sandbox"
)

const maxAttachmentBytes = 20 << 20

func sendEmailTool() Tool {
	return Tool{
		Name:        "send_email",
		Description: "Send an email with optional attachments from the mailbox that received the current message",
		Parameters: Schema{
			Properties: map[string]Property{
				"to":      {Type: "string", Description: "Recipient email address (comma-separated for several)"},
				"subject": {Type: "string", Description: "Email subject"},
				"body":    {Type: "string", Description: "Email body content"},
				"attachments": {
					Type:        "array",
					Description: "Optional list of file paths to attach, relative to the tool work directory",
					Items:       &Property{Type: "string"},
				},
			},
			Required: []string{"to", "subject", "body"},
		},
		Handler: func(ctx context.Context, args map[string]any, cfg Config) (any, error) {
			mb, ok := MailboxFromContext(ctx)
			if !ok {
				return nil, ErrNoMailbox
			}

			var to []string
			for _, addr := range argStrings(args, "to") {
				parsed, err := mail.ParseAddress(addr)
				if err != nil {
					return nil, fmt.Errorf("invalid recipient %q: %w", addr, err)
				}
				to = append(to, parsed.Address)
			}
			if len(to) == 0 {
				return nil, fmt.Errorf("no recipient given")
			}

			paths := argStrings(args, "attachments")
			attachments := make([]Attachment, 0, len(paths))
			for _, p := range paths {
				att, err := loadAttachment(cfg.WorkDir, p)
				if err != nil {
					return nil, err
				}
				attachments = append(attachments, att)
			}

			subject := argString(args, "subject")
			if err := mb.SendMail(ctx, Mail{
				To:          to,
				Subject:     subject,
				Body:        argString(args, "body"),
				Attachments: attachments,
			}); err != nil {
				return nil, fmt.Errorf("sending email: %w", err)
			}

			names := make([]string, 0, len(attachments))
			for _, a := range attachments {
				names = append(names, a.Filename)
			}
			return map[string]any{
				"message":     fmt.Sprintf("Email sent successfully to %s", strings.Join(to, ", ")),
				"to":          to,
				"subject":     subject,
				"attachments": names,
			}, nil
		},
	}
}

// loadAttachment reads a file confined to root. Without a work directory
// no file may be attached.
func loadAttachment(root, p string) (Attachment, error) {
	if root == "" {
		return Attachment{}, fmt.Errorf("%w: attachments need a configured work directory", sandbox.ErrPolicyViolation)
	}
	full, err := sandbox.ResolvePath(root, p)
	if err != nil {
		return Attachment{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return Attachment{}, fmt.Errorf("attachment %q: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return Attachment{}, fmt.Errorf("attachment %q is not a regular file", p)
	}
	if info.Size() > maxAttachmentBytes {
		return Attachment{}, fmt.Errorf("attachment %q exceeds %d bytes", p, maxAttachmentBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Attachment{}, fmt.Errorf("attachment %q: %w", p, err)
	}
	name := filepath.Base(full)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return Attachment{Filename: name, ContentType: ctype, Data: data}, nil
}

// Monitor verdicts of email_review.
const (
	ReviewGood = "GOOD"
	ReviewBad  = "BAD"
)

type reviewPeriod struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type reviewOutput struct {
	Status            string            `json:"status"`
	ReceivedEmails    []ReviewedMessage `json:"received_emails"`
	MissingSenders    []string          `json:"missing_senders"`
	UnexpectedSenders []string          `json:"unexpected_senders"`
	CheckPeriod       reviewPeriod      `json:"check_period"`
	TotalEmails       int               `json:"total_emails"`
}

func emailReviewTool(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name: "email_review",
		Description: "Review received emails with flexible filtering. When expected_senders is given, " +
			"reports GOOD if every expected sender wrote in the period and BAD otherwise.",
		Parameters: Schema{
			Properties: map[string]Property{
				"expected_senders": {Type: "array", Description: "Senders expected to have written", Items: &Property{Type: "string"}},
				"since_date":       {Type: "string", Description: "Start date (YYYY-MM-DD or RFC 3339); defaults to one day ago"},
				"until_date":       {Type: "string", Description: "End date, inclusive (YYYY-MM-DD or RFC 3339)"},
				"sender":           {Type: "string", Description: "Only emails from this sender"},
				"unread_only":      {Type: "boolean", Description: "Only unread emails"},
				"mark_as_read":     {Type: "boolean", Description: "Mark the returned emails as read"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any, cfg Config) (any, error) {
			mb, ok := MailboxFromContext(ctx)
			if !ok {
				return nil, ErrNoMailbox
			}

			q := ReviewQuery{
				Sender:     argString(args, "sender"),
				UnreadOnly: argBool(args, "unread_only"),
				MarkAsRead: argBool(args, "mark_as_read"),
				Limit:      cfg.MaxResults,
			}
			since, until := argString(args, "since_date"), argString(args, "until_date")
			var err error
			if since != "" {
				if q.Since, err = parseDate(since); err != nil {
					return nil, fmt.Errorf("since_date: %w", err)
				}
			}
			end := now()
			if until != "" {
				if end, err = parseDate(until); err != nil {
					return nil, fmt.Errorf("until_date: %w", err)
				}
				q.Until = startOfDay(end).AddDate(0, 0, 1)
			}
			if since == "" && until == "" {
				q.Since = now().AddDate(0, 0, -1)
			}

			msgs, err := mb.Review(ctx, q)
			if err != nil {
				return nil, fmt.Errorf("reviewing mailbox: %w", err)
			}

			out := reviewOutput{
				Status:            ReviewGood,
				ReceivedEmails:    msgs,
				MissingSenders:    []string{},
				UnexpectedSenders: []string{},
				TotalEmails:       len(msgs),
			}
			if out.ReceivedEmails == nil {
				out.ReceivedEmails = []ReviewedMessage{}
			}
			start := q.Since
			if start.IsZero() {
				start = now().AddDate(0, 0, -1)
			}
			out.CheckPeriod = reviewPeriod{From: start.Format("02-Jan-2006"), To: end.Format("02-Jan-2006")}

			if expected := argStrings(args, "expected_senders"); len(expected) > 0 {
				out.MissingSenders, out.UnexpectedSenders = compareSenders(expected, msgs)
				if len(out.MissingSenders) > 0 {
					out.Status = ReviewBad
				}
			}
			return out, nil
		},
	}
}

// compareSenders matches addresses case-insensitively. Both lists come
// back sorted.
func compareSenders(expected []string, msgs []ReviewedMessage) (missing, unexpected []string) {
	want := make(map[string]bool, len(expected))
	for _, e := range expected {
		want[normalizeAddress(e)] = true
	}
	got := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		got[normalizeAddress(m.From)] = true
	}
	missing, unexpected = []string{}, []string{}
	for addr := range want {
		if !got[addr] {
			missing = append(missing, addr)
		}
	}
	for addr := range got {
		if !want[addr] {
			unexpected = append(unexpected, addr)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}

func normalizeAddress(s string) string {
	if a, err := mail.ParseAddress(s); err == nil {
		s = a.Address
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
