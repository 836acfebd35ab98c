package checker

import (
	"context"
	"errors"

	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/tools"
)

// toolMailbox exposes the tick's mailbox session to the email tools, so
// send_email and email_review always act on the checker that received
// the message.
type toolMailbox struct {
	mb Mailbox
}

func (t *toolMailbox) SendMail(ctx context.Context, m tools.Mail) error {
	out := mailbox.Outgoing{
		To:      m.To,
		Subject: m.Subject,
		Body:    m.Body,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, mailbox.OutgoingAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}
	return t.mb.Send(ctx, out)
}

// errMonitorOnly is what send_email reports on a checker with auto_reply
// disabled.
var errMonitorOnly = errors.New("sending is disabled for this checker (monitor only)")

// monitorMailbox keeps email_review working but refuses to send.
type monitorMailbox struct {
	*toolMailbox
}

func (monitorMailbox) SendMail(context.Context, tools.Mail) error {
	return errMonitorOnly
}

func (t *toolMailbox) Review(ctx context.Context, q tools.ReviewQuery) ([]tools.ReviewedMessage, error) {
	found, err := t.mb.Search(ctx, mailbox.Query{
		Since:      q.Since,
		Before:     q.Until,
		From:       q.Sender,
		UnreadOnly: q.UnreadOnly,
		MarkAsRead: q.MarkAsRead,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]tools.ReviewedMessage, len(found))
	for i, s := range found {
		out[i] = tools.ReviewedMessage{
			From:      s.From,
			Subject:   s.Subject,
			Date:      s.Date,
			MessageID: s.MessageID,
		}
	}
	return out, nil
}
