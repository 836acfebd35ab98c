// Package mailbox is the IMAP/SMTP side of a checker: it fetches unseen
// messages, marks them processed and submits replies. A Session is opened
// per tick and closed at its end.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
)

// TLSMode selects how a connection is secured.
type TLSMode string

const (
	// TLSImplicit connects over TLS from the first byte (IMAPS 993, SMTPS 465).
	TLSImplicit TLSMode = "tls"
	// TLSStartTLS upgrades a plain connection with STARTTLS.
	TLSStartTLS TLSMode = "starttls"
	// TLSNone is unencrypted and meant for local testing only.
	TLSNone TLSMode = "none"
)

// Config identifies one mailbox.
type Config struct {
	CheckerID string

	IMAPHost string
	IMAPPort int
	TLSMode  TLSMode

	// Username defaults to Address.
	Username string
	Password string
	Address  string

	// SMTPHost defaults to the IMAP host with its "imap" label replaced
	// by "smtp"; SMTPPort defaults to 465.
	SMTPHost    string
	SMTPPort    int
	SMTPTLSMode TLSMode

	// AttachmentsDir enables attachment extraction when set.
	AttachmentsDir     string
	MaxAttachmentBytes int64
}

// DefaultMaxAttachmentBytes caps a single saved attachment.
const DefaultMaxAttachmentBytes = 20 << 20

func (c Config) username() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Address
}

func (c Config) imapAddr() string {
	port := c.IMAPPort
	if port == 0 {
		port = 993
		if c.TLSMode == TLSNone || c.TLSMode == TLSStartTLS {
			port = 143
		}
	}
	return net.JoinHostPort(c.IMAPHost, strconv.Itoa(port))
}

// SMTPEndpoint returns the submission host, port and TLS mode, applying
// the derivation rules for unset fields.
func (c Config) SMTPEndpoint() (string, int, TLSMode) {
	host := c.SMTPHost
	if host == "" {
		host = strings.Replace(c.IMAPHost, "imap", "smtp", 1)
	}
	port := c.SMTPPort
	if port == 0 {
		port = 465
	}
	mode := c.SMTPTLSMode
	if mode == "" {
		switch port {
		case 465:
			mode = TLSImplicit
		case 587:
			mode = TLSStartTLS
		default:
			mode = c.TLSMode
		}
	}
	return host, port, mode
}

// Options bounds the network side of a session.
type Options struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration

	// DialAttempts, BaseDelay and MaxDelay shape the retry of failed
	// dials within one Open.
	DialAttempts int
	BaseDelay    time.Duration
	MaxDelay     time.Duration

	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		DialTimeout:    15 * time.Second,
		CommandTimeout: 60 * time.Second,
		DialAttempts:   3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = d.DialAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is an authenticated IMAP connection with INBOX selected plus the
// SMTP submitter for the same account. Methods are safe for concurrent use;
// IMAP commands are serialized.
type Session struct {
	cfg    Config
	opts   Options
	logger *slog.Logger
	sender *Sender

	mu          sync.Mutex
	client      *client.Client
	uidValidity uint32
	closed      bool
}

// Open dials, logs in and selects INBOX. Dial failures are retried with
// exponential backoff; a rejected LOGIN fails at once with ErrAuth.
func Open(ctx context.Context, cfg Config, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "mailbox", "checker", cfg.CheckerID)
	addr := cfg.imapAddr()

	var c *client.Client
	for attempt := 0; ; attempt++ {
		var err error
		c, err = dialIMAP(ctx, addr, cfg, opts)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dialing %s: %v", mailerr.ErrConnection, addr, ctx.Err())
		}
		if attempt+1 >= opts.DialAttempts {
			return nil, fmt.Errorf("%w: dialing %s after %d attempts: %v", mailerr.ErrConnection, addr, attempt+1, err)
		}
		delay := backoff(opts.BaseDelay, opts.MaxDelay, attempt)
		logger.Warn("imap dial failed, retrying", "addr", addr, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dialing %s: %v", mailerr.ErrConnection, addr, ctx.Err())
		}
	}
	c.Timeout = opts.CommandTimeout

	s := &Session{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		sender: NewSender(cfg, opts),
		client: c,
	}
	stop := s.watch(ctx)
	defer stop()

	if err := c.Login(cfg.username(), cfg.Password); err != nil {
		_ = c.Terminate()
		if isNetError(err) {
			return nil, fmt.Errorf("%w: login: %v", mailerr.ErrConnection, err)
		}
		return nil, fmt.Errorf("%w: login as %s: %v", mailerr.ErrAuth, cfg.username(), err)
	}

	status, err := c.Select("INBOX", false)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: select INBOX: %v", mailerr.ErrConnection, err)
	}
	s.uidValidity = status.UidValidity
	logger.Debug("imap session opened", "addr", addr, "messages", status.Messages)
	return s, nil
}

// ctxDialer adapts a context-aware dial to go-imap's Dialer.
type ctxDialer struct {
	ctx context.Context
	d   *net.Dialer
}

func (d ctxDialer) Dial(network, addr string) (net.Conn, error) {
	return d.d.DialContext(d.ctx, network, addr)
}

func dialIMAP(ctx context.Context, addr string, cfg Config, opts Options) (*client.Client, error) {
	dialer := ctxDialer{ctx: ctx, d: &net.Dialer{Timeout: opts.DialTimeout}}
	switch cfg.TLSMode {
	case TLSNone:
		return client.DialWithDialer(dialer, addr)
	case TLSStartTLS:
		c, err := client.DialWithDialer(dialer, addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig(opts.TLSConfig, cfg.IMAPHost)); err != nil {
			_ = c.Terminate()
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return c, nil
	default:
		return client.DialWithDialerTLS(dialer, addr, tlsConfig(opts.TLSConfig, cfg.IMAPHost))
	}
}

func tlsConfig(base *tls.Config, host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// watch aborts the connection when ctx ends mid-command.
func (s *Session) watch(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		_ = s.client.Terminate()
	})
	return func() { stop() }
}

// UIDValidity returns the UIDVALIDITY of the selected INBOX.
func (s *Session) UIDValidity() uint32 { return s.uidValidity }

// FetchUnseen returns every message without \Seen in UID order. The
// fetch uses BODY.PEEK[] so reading does not mark anything.
func (s *Session) FetchUnseen(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	stop := s.watch(ctx)
	defer stop()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: search unseen: %v", mailerr.ErrConnection, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seq, items, ch)
	}()

	var (
		out        []Message
		unreadable []uint32
	)
	for fetched := range ch {
		body := fetched.GetBody(section)
		if body == nil {
			s.logger.Warn("server returned no body", "uid", fetched.Uid)
			unreadable = append(unreadable, fetched.Uid)
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			s.logger.Warn("reading message body", "uid", fetched.Uid, "error", err)
			unreadable = append(unreadable, fetched.Uid)
			continue
		}
		msg, err := Parse(raw)
		if err != nil {
			s.logger.Warn("unparseable message skipped", "uid", fetched.Uid, "error", err)
			unreadable = append(unreadable, fetched.Uid)
			continue
		}
		msg.UID = fetched.Uid
		msg.Key = messageKey(msg.MessageID, s.uidValidity, fetched.Uid)
		if s.cfg.AttachmentsDir != "" && len(msg.Attachments) > 0 {
			s.saveAttachments(msg)
		}
		out = append(out, *msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", mailerr.ErrConnection, err)
	}

	// Messages that cannot be read would come back on every tick.
	if len(unreadable) > 0 {
		if err := s.markSeen(unreadable...); err != nil {
			s.logger.Warn("marking unreadable messages seen", "uids", unreadable, "error", err)
		} else {
			s.logger.Info("unreadable messages marked seen", "count", len(unreadable))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	s.logger.Debug("fetched unseen messages", "count", len(out))
	return out, nil
}

func messageKey(messageID string, validity, uid uint32) string {
	if messageID != "" {
		return messageID
	}
	return fmt.Sprintf("uid:%d:%d", validity, uid)
}

// MarkProcessed sets \Seen on uid.
func (s *Session) MarkProcessed(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	stop := s.watch(ctx)
	defer stop()
	return s.markSeen(uid)
}

func (s *Session) markSeen(uids ...uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seq, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("%w: store \\Seen: %v", mailerr.ErrConnection, err)
	}
	return nil
}

// Query filters Search. Before is exclusive. Limit keeps the most recent
// matches.
type Query struct {
	Since      time.Time
	Before     time.Time
	From       string
	UnreadOnly bool
	MarkAsRead bool
	Limit      int
}

// Summary is the envelope of a searched message.
type Summary struct {
	UID       uint32
	From      string
	Subject   string
	Date      time.Time
	MessageID string
}

// Search lists INBOX messages matching q without reading their bodies.
func (s *Session) Search(ctx context.Context, q Query) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	stop := s.watch(ctx)
	defer stop()

	criteria := imap.NewSearchCriteria()
	criteria.Since = q.Since
	criteria.Before = q.Before
	if q.From != "" {
		criteria.Header.Add("From", q.From)
	}
	if q.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", mailerr.ErrConnection, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[len(uids)-q.Limit:]
	}
	if len(uids) == 0 {
		return []Summary{}, nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate}
	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seq, items, ch)
	}()

	out := make([]Summary, 0, len(uids))
	for m := range ch {
		sum := Summary{UID: m.Uid, Date: m.InternalDate}
		if env := m.Envelope; env != nil {
			sum.Subject = env.Subject
			sum.MessageID = strings.Trim(env.MessageId, "<>")
			if !env.Date.IsZero() {
				sum.Date = env.Date
			}
			if len(env.From) > 0 {
				sum.From = strings.ToLower(env.From[0].Address())
			}
		}
		out = append(out, sum)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: fetch envelopes: %v", mailerr.ErrConnection, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })

	if q.MarkAsRead {
		if err := s.markSeen(uids...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Send submits out over SMTP from the session's address.
func (s *Session) Send(ctx context.Context, out Outgoing) error {
	return s.sender.Send(ctx, out)
}

// Close logs out. Calling it again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.client.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		s.logger.Debug("imap logout", "error", err)
		_ = s.client.Terminate()
	}
	return nil
}

var errSessionClosed = errors.New("mailbox session closed")

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded)
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	return min(d, max)
}
