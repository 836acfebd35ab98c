package mailbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
)

// startIMAP serves the go-imap memory backend on a loopback port. Its
// INBOX starts with one seen message (UID 6); extra messages are appended
// unseen.
func startIMAP(t *testing.T, messages map[time.Time]string) (string, int) {
	t.Helper()
	be := memory.New()
	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	inbox, err := user.GetMailbox("INBOX")
	require.NoError(t, err)

	dates := make([]time.Time, 0, len(messages))
	for d := range messages {
		dates = append(dates, d)
	}
	for i := 0; i < len(dates); i++ {
		for j := i + 1; j < len(dates); j++ {
			if dates[j].Before(dates[i]) {
				dates[i], dates[j] = dates[j], dates[i]
			}
		}
	}
	for _, d := range dates {
		require.NoError(t, inbox.CreateMessage(nil, d, bytes.NewBuffer(crlf(messages[d]))))
	}

	srv := server.New(be)
	srv.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func testOptions() Options {
	return Options{
		DialTimeout:    2 * time.Second,
		CommandTimeout: 5 * time.Second,
		DialAttempts:   2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func rawMessage(from, subject, id, body string) string {
	return "From: " + from + "\nTo: username@example.com\nSubject: " + subject +
		"\nMessage-ID: <" + id + ">\nContent-Type: text/plain\n\n" + body + "\n"
}

var (
	day1 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
)

func testInbox() map[time.Time]string {
	return map[time.Time]string{
		day1: rawMessage("alice@example.org", "first", "m1@example.org", "one"),
		day2: rawMessage("bob@example.org", "second", "m2@example.org", "two"),
		day3: rawMessage("alice@example.org", "third", "m3@example.org", "three"),
	}
}

func TestSessionIdempotence(t *testing.T) {
	host, port := startIMAP(t, testInbox())
	cfg := Config{CheckerID: "c1", IMAPHost: host, IMAPPort: port, TLSMode: TLSNone, Username: "username", Password: "password"}
	ctx := context.Background()

	s, err := Open(ctx, cfg, testOptions())
	require.NoError(t, err)

	msgs, err := s.FetchUnseen(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []uint32{7, 8, 9}, []uint32{msgs[0].UID, msgs[1].UID, msgs[2].UID})
	assert.Equal(t, "m1@example.org", msgs[0].Key)
	assert.Equal(t, "one", msgs[0].Body)

	again, err := s.FetchUnseen(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 3, "fetching must not mark messages seen")

	require.NoError(t, s.MarkProcessed(ctx, msgs[0].UID))
	require.NoError(t, s.MarkProcessed(ctx, msgs[0].UID))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s2, err := Open(ctx, cfg, testOptions())
	require.NoError(t, err)
	defer s2.Close()
	rest, err := s2.FetchUnseen(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "m2@example.org", rest[0].Key)

	_, err = s.FetchUnseen(ctx)
	assert.Error(t, err, "closed session")
}

func TestUnparseableMessageIsMarkedSeen(t *testing.T) {
	inbox := testInbox()
	inbox[day2] = "From: bob@example.org\nSubject: broken\nMessage-ID: <bad@example.org>\n" +
		"Content-Type: text/plain\nContent-Transfer-Encoding: x-mangled\n\n???\n"
	host, port := startIMAP(t, inbox)
	cfg := Config{CheckerID: "c1", IMAPHost: host, IMAPPort: port, TLSMode: TLSNone, Username: "username", Password: "password"}
	ctx := context.Background()

	s, err := Open(ctx, cfg, testOptions())
	require.NoError(t, err)
	defer s.Close()

	msgs, err := s.FetchUnseen(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1@example.org", msgs[0].Key)
	assert.Equal(t, "m3@example.org", msgs[1].Key)

	again, err := s.FetchUnseen(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 2)

	all, err := s.Search(ctx, Query{From: "bob@example.org"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "broken", all[0].Subject)

	unread, err := s.Search(ctx, Query{From: "bob@example.org", UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestSessionSearch(t *testing.T) {
	host, port := startIMAP(t, testInbox())
	cfg := Config{IMAPHost: host, IMAPPort: port, TLSMode: TLSNone, Username: "username", Password: "password"}
	ctx := context.Background()
	s, err := Open(ctx, cfg, testOptions())
	require.NoError(t, err)
	defer s.Close()

	t.Run("by sender", func(t *testing.T) {
		res, err := s.Search(ctx, Query{From: "ALICE@example.org"})
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, "first", res[0].Subject)
		assert.Equal(t, "alice@example.org", res[0].From)
		assert.Equal(t, "m3@example.org", res[1].MessageID)
	})

	t.Run("by date window", func(t *testing.T) {
		res, err := s.Search(ctx, Query{
			Since:  time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
			Before: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "second", res[0].Subject)
	})

	t.Run("limit keeps the most recent", func(t *testing.T) {
		res, err := s.Search(ctx, Query{Limit: 2})
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, "second", res[0].Subject)
		assert.Equal(t, "third", res[1].Subject)
	})

	t.Run("unread only and mark as read", func(t *testing.T) {
		res, err := s.Search(ctx, Query{UnreadOnly: true, From: "bob@", MarkAsRead: true})
		require.NoError(t, err)
		require.Len(t, res, 1)

		res, err = s.Search(ctx, Query{UnreadOnly: true})
		require.NoError(t, err)
		assert.Len(t, res, 2)
	})

	t.Run("no match", func(t *testing.T) {
		res, err := s.Search(ctx, Query{From: "nobody@nowhere"})
		require.NoError(t, err)
		assert.Empty(t, res)
	})
}

func TestOpenErrors(t *testing.T) {
	host, port := startIMAP(t, nil)
	ctx := context.Background()

	t.Run("bad credentials", func(t *testing.T) {
		cfg := Config{IMAPHost: host, IMAPPort: port, TLSMode: TLSNone, Username: "username", Password: "wrong"}
		_, err := Open(ctx, cfg, testOptions())
		require.Error(t, err)
		assert.ErrorIs(t, err, mailerr.ErrAuth)
	})

	t.Run("unreachable server", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().(*net.TCPAddr)
		l.Close()

		cfg := Config{IMAPHost: "127.0.0.1", IMAPPort: addr.Port, TLSMode: TLSNone, Username: "u", Password: "p"}
		_, err = Open(ctx, cfg, testOptions())
		require.Error(t, err)
		assert.ErrorIs(t, err, mailerr.ErrConnection)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		cfg := Config{IMAPHost: host, IMAPPort: port, TLSMode: TLSNone, Username: "username", Password: "password"}
		_, err := Open(cctx, cfg, testOptions())
		assert.ErrorIs(t, err, mailerr.ErrConnection)
	})
}

func TestSessionAttachments(t *testing.T) {
	raw := `From: carol@example.org
Subject: files
Message-ID: <att@example.org>
Content-Type: multipart/mixed; boundary=B

--B
Content-Type: text/plain

two files
--B
Content-Type: text/plain
Content-Disposition: attachment; filename="notes.txt"

hello
--B
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="big.bin"

0123456789012345678901234567890123456789
--B--
`
	host, port := startIMAP(t, map[time.Time]string{day1: raw})
	dir := t.TempDir()
	cfg := Config{
		CheckerID: "files", IMAPHost: host, IMAPPort: port, TLSMode: TLSNone,
		Username: "username", Password: "password",
		AttachmentsDir: dir, MaxAttachmentBytes: 16,
	}
	ctx := context.Background()
	s, err := Open(ctx, cfg, testOptions())
	require.NoError(t, err)
	defer s.Close()

	msgs, err := s.FetchUnseen(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 2)

	paths := msgs[0].AttachmentPaths()
	require.Len(t, paths, 1)
	b, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(bytes.TrimSpace(b)))
	assert.Contains(t, paths[0], dir)
	assert.Contains(t, paths[0], "files")
	assert.Empty(t, msgs[0].Attachments[1].Path)
}

// smtpBackend records submitted messages.
type smtpBackend struct {
	mu       sync.Mutex
	password string
	received []smtpEnvelope
}

type smtpEnvelope struct {
	From string
	To   []string
	Data []byte
}

func (b *smtpBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{be: b}, nil
}

type smtpSession struct {
	be   *smtpBackend
	env  smtpEnvelope
	auth bool
}

func (s *smtpSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if password != s.be.password {
			return errors.New("invalid credentials")
		}
		s.auth = true
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.auth {
		return smtp.ErrAuthRequired
	}
	s.env.From = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.env.To = append(s.env.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.env.Data = b
	s.be.mu.Lock()
	s.be.received = append(s.be.received, s.env)
	s.be.mu.Unlock()
	return nil
}

func (s *smtpSession) Reset()        { s.env = smtpEnvelope{} }
func (s *smtpSession) Logout() error { return nil }

func startSMTP(t *testing.T, password string) (*smtpBackend, string, int) {
	t.Helper()
	be := &smtpBackend{password: password}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	addr := l.Addr().(*net.TCPAddr)
	return be, "127.0.0.1", addr.Port
}

func TestSenderReply(t *testing.T) {
	be, host, port := startSMTP(t, "secret")
	cfg := Config{
		Address: "bot@example.com", Password: "secret",
		IMAPHost: "imap.example.com", SMTPHost: host, SMTPPort: port, SMTPTLSMode: TLSNone,
	}
	sender := NewSender(cfg, testOptions())

	src, err := Parse(crlf(plainMessage))
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), Reply(src, "Numbers attached.")))

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.received, 1)
	env := be.received[0]
	assert.Equal(t, "bot@example.com", env.From)
	assert.Equal(t, []string{"alice@example.org"}, env.To)

	sent, err := Parse(env.Data)
	require.NoError(t, err)
	assert.Equal(t, "Re: Quarterly numbers", sent.Subject)
	assert.Equal(t, []string{"q1@example.org"}, sent.InReplyTo)
	assert.Equal(t, "yes", sent.Header.Get(HeaderAutoReply))
}

func TestSenderAuthFailure(t *testing.T) {
	_, host, port := startSMTP(t, "secret")
	cfg := Config{
		Address: "bot@example.com", Password: "wrong",
		SMTPHost: host, SMTPPort: port, SMTPTLSMode: TLSNone,
	}
	err := NewSender(cfg, testOptions()).Send(context.Background(), Outgoing{To: []string{"a@example.org"}, Subject: "x", Body: "y"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mailerr.ErrAuth)
}

func TestSenderUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := Config{Address: "bot@example.com", SMTPHost: "127.0.0.1", SMTPPort: port, SMTPTLSMode: TLSNone}
	err = NewSender(cfg, testOptions()).Send(context.Background(), Outgoing{To: []string{"a@example.org"}, Subject: "x", Body: "y"})
	assert.ErrorIs(t, err, mailerr.ErrConnection)
}

// silentListener accepts connections and never writes a greeting.
func silentListener(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func TestSenderSilentServerIsBounded(t *testing.T) {
	port := silentListener(t)
	opts := testOptions()
	opts.DialTimeout = 200 * time.Millisecond
	opts.CommandTimeout = 200 * time.Millisecond
	msg := Outgoing{To: []string{"a@example.org"}, Subject: "x", Body: "y"}

	for _, mode := range []TLSMode{TLSNone, TLSStartTLS} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := Config{Address: "bot@example.com", Password: "secret", SMTPHost: "127.0.0.1", SMTPPort: port, SMTPTLSMode: mode}
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			start := time.Now()
			err := NewSender(cfg, opts).Send(ctx, msg)
			require.Error(t, err)
			assert.NotErrorIs(t, err, mailerr.ErrAuth)
			assert.Less(t, time.Since(start), 3*time.Second)
		})
	}
}
