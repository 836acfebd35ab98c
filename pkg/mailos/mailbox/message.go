package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/jholhewres/mailos/pkg/mailos/htmltext"
)

// Message is an inbound message as fetched from the server. It is
// read-only once FetchUnseen returns it.
type Message struct {
	UID uint32

	// Key identifies the message across ticks: the Message-ID when the
	// sender set one, otherwise "uid:<validity>:<uid>".
	Key string

	From     string
	FromName string
	ReplyTo  string
	To       []string
	Subject  string
	Body     string
	Header   textproto.MIMEHeader
	Date     time.Time

	MessageID  string
	InReplyTo  []string
	References []string

	Attachments []Attachment
}

// Attachment is a file part of an inbound message. Path is set once the
// attachment has been written to disk.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	Path        string

	data []byte
}

// ThreadKey groups messages of one conversation: the root of References,
// else In-Reply-To, else the message's own id, else its sender.
func (m *Message) ThreadKey() string {
	switch {
	case len(m.References) > 0:
		return m.References[0]
	case len(m.InReplyTo) > 0:
		return m.InReplyTo[0]
	case m.MessageID != "":
		return m.MessageID
	default:
		return "from:" + strings.ToLower(m.From)
	}
}

// ReplyAddress is where a reply to m goes.
func (m *Message) ReplyAddress() string {
	if m.ReplyTo != "" {
		return m.ReplyTo
	}
	return m.From
}

// AttachmentPaths lists the saved attachment paths.
func (m *Message) AttachmentPaths() []string {
	var out []string
	for _, a := range m.Attachments {
		if a.Path != "" {
			out = append(out, a.Path)
		}
	}
	return out
}

// Parse decodes a raw RFC 5322 message. Text parts are preferred for the
// body; HTML is converted to text when no plain part exists.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	msg := &Message{Header: make(textproto.MIMEHeader)}
	fields := mr.Header.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		msg.Header.Add(fields.Key(), v)
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	} else {
		msg.From = strings.ToLower(strings.Trim(mr.Header.Get("From"), "<> "))
	}
	if rt, err := mr.Header.AddressList("Reply-To"); err == nil && len(rt) > 0 {
		msg.ReplyTo = rt[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}
	if s, err := mr.Header.Subject(); err == nil {
		msg.Subject = s
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if d, err := mr.Header.Date(); err == nil {
		msg.Date = d
	}
	msg.MessageID, _ = mr.Header.MessageID()
	msg.InReplyTo, _ = mr.Header.MsgIDList("In-Reply-To")
	msg.References, _ = mr.Header.MsgIDList("References")

	var plain, html string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// A broken trailing part keeps whatever was read so far.
			if plain != "" || html != "" {
				break
			}
			return nil, fmt.Errorf("reading part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct != "" && !strings.HasPrefix(ct, "text/") {
				msg.addAttachment(h.Header, ct, p.Body)
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch ct {
			case "text/plain", "":
				if plain == "" {
					plain = string(b)
				}
			case "text/html":
				if html == "" {
					html = string(b)
				}
			}
		case *mail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			msg.addAttachment(h.Header, ct, p.Body)
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		msg.Body = strings.TrimSpace(normalizeNewlines(plain))
	case html != "":
		msg.Body = htmltext.FromString(html)
	}
	return msg, nil
}

func (m *Message) addAttachment(h message.Header, contentType string, body io.Reader) {
	data, err := io.ReadAll(body)
	if err != nil {
		return
	}
	name := attachmentName(h)
	if name == "" {
		name = "attachment"
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			name += exts[0]
		}
	}
	m.Attachments = append(m.Attachments, Attachment{
		Filename:    name,
		ContentType: contentType,
		Size:        len(data),
		data:        data,
	})
}

func attachmentName(h message.Header) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
