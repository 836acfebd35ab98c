package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
)

// Header names carried by every message MailOS sends.
const (
	HeaderAutoReply     = "X-Mailos-AutoReply"
	HeaderAutoSubmitted = "Auto-Submitted"
)

// OutgoingAttachment is a file attached to an outbound message.
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outgoing is a message to submit. InReplyTo and References thread it
// under an inbound message; Reply builds one.
type Outgoing struct {
	To          []string
	Subject     string
	Body        string
	InReplyTo   string
	References  []string
	Attachments []OutgoingAttachment
}

// IsReply reports whether o answers another message.
func (o Outgoing) IsReply() bool { return o.InReplyTo != "" }

// Reply composes the answer to src: "Re:" subject, threading headers, and
// answer followed by the quoted original.
func Reply(src *Message, answer string) Outgoing {
	refs := append([]string(nil), src.References...)
	if src.MessageID != "" {
		refs = append(refs, src.MessageID)
	}
	return Outgoing{
		To:         []string{src.ReplyAddress()},
		Subject:    ReplySubject(src.Subject),
		Body:       strings.TrimSpace(answer) + "\n\n" + quoteOriginal(src),
		InReplyTo:  src.MessageID,
		References: refs,
	}
}

// ReplySubject prefixes "Re: " unless subject already carries it.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func quoteOriginal(src *Message) string {
	var b strings.Builder
	b.WriteString("-------- Original Message --------\n")
	fmt.Fprintf(&b, "Subject: %s\n", src.Subject)
	date := src.Header.Get("Date")
	if date == "" && !src.Date.IsZero() {
		date = src.Date.Format(time.RFC1123Z)
	}
	fmt.Fprintf(&b, "Date: %s\n", date)
	from := src.From
	if src.FromName != "" {
		from = fmt.Sprintf("%s <%s>", src.FromName, src.From)
	}
	fmt.Fprintf(&b, "From: %s\n", from)
	if src.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\n", src.MessageID)
	}
	b.WriteString("\n")
	for _, line := range strings.Split(src.Body, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Compose renders o as an RFC 5322 message from the given address and
// returns it with its generated Message-Id.
func (o Outgoing) Compose(from string, now time.Time) (string, []byte, error) {
	if len(o.To) == 0 {
		return "", nil, fmt.Errorf("no recipients")
	}
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	to := make([]*mail.Address, 0, len(o.To))
	for _, addr := range o.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(o.Subject)

	id := uuid.NewString() + "@" + domainOf(from)
	h.SetMessageID(id)
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{o.InReplyTo})
	}
	if len(o.References) > 0 {
		h.SetMsgIDList("References", o.References)
	}
	h.Set(HeaderAutoReply, "yes")
	if o.IsReply() {
		h.Set(HeaderAutoSubmitted, "auto-replied")
	} else {
		h.Set(HeaderAutoSubmitted, "auto-generated")
	}

	var buf bytes.Buffer
	if len(o.Attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return "", nil, err
		}
		if _, err := io.WriteString(w, o.Body); err != nil {
			return "", nil, err
		}
		if err := w.Close(); err != nil {
			return "", nil, err
		}
		return id, buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return "", nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return "", nil, err
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(th)
	if err != nil {
		return "", nil, err
	}
	if _, err := io.WriteString(pw, o.Body); err != nil {
		return "", nil, err
	}
	pw.Close()
	iw.Close()

	for _, a := range o.Attachments {
		var ah mail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return "", nil, err
		}
		if _, err := aw.Write(a.Data); err != nil {
			return "", nil, err
		}
		aw.Close()
	}
	if err := mw.Close(); err != nil {
		return "", nil, err
	}
	return id, buf.Bytes(), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return "localhost"
}

// Sender submits messages for one account over SMTP.
type Sender struct {
	host     string
	port     int
	mode     TLSMode
	username string
	password string
	from     string
	tls      *tls.Config
	logger   *slog.Logger
	now      func() time.Time

	dialTimeout    time.Duration
	commandTimeout time.Duration
}

// NewSender builds the submitter for cfg.
func NewSender(cfg Config, opts Options) *Sender {
	opts = opts.withDefaults()
	host, port, mode := cfg.SMTPEndpoint()
	return &Sender{
		host:     host,
		port:     port,
		mode:     mode,
		username: cfg.username(),
		password: cfg.Password,
		from:     cfg.Address,
		tls:      tlsConfig(opts.TLSConfig, host),
		logger:   opts.Logger.With("component", "smtp", "checker", cfg.CheckerID),
		now:      time.Now,

		dialTimeout:    opts.DialTimeout,
		commandTimeout: opts.CommandTimeout,
	}
}

// Send composes and submits out. Failures concern this message only.
func (s *Sender) Send(ctx context.Context, out Outgoing) error {
	id, raw, err := out.Compose(s.from, s.now())
	if err != nil {
		return fmt.Errorf("composing message: %w", err)
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	c, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: smtp dial %s: %v", mailerr.ErrConnection, addr, err)
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if s.password != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			var se *smtp.SMTPError
			if ctx.Err() != nil || !errors.As(err, &se) {
				return fmt.Errorf("%w: smtp auth: %v", mailerr.ErrConnection, err)
			}
			return fmt.Errorf("%w: smtp auth as %s: %v", mailerr.ErrAuth, s.username, err)
		}
	}
	if err := c.SendMail(s.from, out.To, bytes.NewReader(raw)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: smtp send: %v", mailerr.ErrConnection, ctx.Err())
		}
		return fmt.Errorf("smtp send to %s: %w", strings.Join(out.To, ", "), err)
	}
	if err := c.Quit(); err != nil {
		s.logger.Debug("smtp quit", "error", err)
	}
	s.logger.Info("message sent", "to", out.To, "subject", out.Subject, "message_id", id, "reply", out.IsReply())
	return nil
}

func (s *Sender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	d := &net.Dialer{Timeout: s.dialTimeout}
	var (
		c   *smtp.Client
		err error
	)
	switch s.mode {
	case TLSImplicit:
		td := &tls.Dialer{NetDialer: d, Config: s.tls}
		conn, derr := td.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return nil, derr
		}
		c = smtp.NewClient(conn)
	case TLSStartTLS:
		conn, derr := d.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return nil, derr
		}
		_ = conn.SetDeadline(time.Now().Add(s.dialTimeout))
		c, err = smtp.NewClientStartTLS(conn, s.tls)
		if err != nil {
			return nil, err
		}
		_ = conn.SetDeadline(time.Time{})
	default:
		conn, derr := d.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return nil, derr
		}
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = s.commandTimeout
	c.SubmissionTimeout = s.commandTimeout
	return c, nil
}
