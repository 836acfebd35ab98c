package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/store"
)

func newMessage(from, subject string, headers map[string]string) *mailbox.Message {
	h := make(textproto.MIMEHeader)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &mailbox.Message{
		UID:       1,
		Key:       "k-" + from + "-" + subject,
		From:      from,
		Subject:   subject,
		Header:    h,
		MessageID: "id@example.org",
	}
}

func newGate(s store.ProcessedStore) *Gate {
	return New(s, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

var bot = Checker{ID: "support", Address: "bot@example.com", AutoReply: true}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		msg      *mailbox.Message
		checker  Checker
		want     Verdict
		sendable bool
		rule     int
	}{
		{"ordinary question", newMessage("alice@example.org", "Can you help?", nil), bot, Eligible, true, 4},
		{"monitor only", newMessage("alice@example.org", "Can you help?", nil), Checker{ID: "m", Address: "bot@example.com"}, Eligible, false, 3},

		{"auto-submitted", newMessage("alice@example.org", "Re: hi", map[string]string{"Auto-Submitted": "auto-replied"}), bot, Skip, false, 1},
		{"auto-submitted with params", newMessage("alice@example.org", "hi", map[string]string{"Auto-Submitted": "auto-generated; type=x"}), bot, Skip, false, 1},
		{"auto-submitted no", newMessage("alice@example.org", "hi", map[string]string{"Auto-Submitted": "No"}), bot, Eligible, true, 4},
		{"list-id", newMessage("alice@example.org", "digest", map[string]string{"List-Id": "<dev.lists.example.org>"}), bot, Skip, false, 1},
		{"list-unsubscribe", newMessage("alice@example.org", "promo", map[string]string{"List-Unsubscribe": "<mailto:u@x>"}), bot, Skip, false, 1},
		{"list-post", newMessage("alice@example.org", "promo", map[string]string{"List-Post": "<mailto:l@x>"}), bot, Skip, false, 1},
		{"precedence bulk", newMessage("alice@example.org", "promo", map[string]string{"Precedence": "Bulk"}), bot, Skip, false, 1},
		{"precedence auto_reply", newMessage("alice@example.org", "hi", map[string]string{"Precedence": "auto_reply"}), bot, Skip, false, 1},
		{"precedence first-class", newMessage("alice@example.org", "hi", map[string]string{"Precedence": "first-class"}), bot, Eligible, true, 4},
		{"x-autoreply", newMessage("alice@example.org", "hi", map[string]string{"X-Autoreply": "yes"}), bot, Skip, false, 1},
		{"x-autorespond", newMessage("alice@example.org", "hi", map[string]string{"X-Autorespond": "yes"}), bot, Skip, false, 1},
		{"x-auto-response-suppress", newMessage("alice@example.org", "hi", map[string]string{"X-Auto-Response-Suppress": "All"}), bot, Skip, false, 1},
		{"null return-path", newMessage("alice@example.org", "hi", map[string]string{"Return-Path": "<>"}), bot, Skip, false, 1},
		{"normal return-path", newMessage("alice@example.org", "hi", map[string]string{"Return-Path": "<alice@example.org>"}), bot, Eligible, true, 4},
		{"own address", newMessage("BOT@example.com", "hi", nil), bot, Skip, false, 1},
		{"noreply sender", newMessage("noreply@shop.example", "Your order", nil), bot, Skip, false, 1},
		{"no-reply sender", newMessage("no-reply@github.example", "hi", nil), bot, Skip, false, 1},
		{"mailer-daemon", newMessage("MAILER-DAEMON@mx.example", "failure", nil), bot, Skip, false, 1},
		{"postmaster", newMessage("postmaster@example.org", "hi", nil), bot, Skip, false, 1},
		{"notifications sender", newMessage("notifications@service.example", "hi", nil), bot, Skip, false, 1},
		{"missing sender", newMessage("", "hi", nil), bot, Skip, false, 1},

		{"marker header", newMessage("alice@example.org", "Re: Re: hi", map[string]string{"X-Mailos-AutoReply": "yes"}), bot, Skip, false, 2},
		{"reserved token", newMessage("alice@example.org", "[MailOS] weekly report", nil), bot, Skip, false, 2},
		{"subject indicator", newMessage("alice@example.org", "Automated weekly digest", nil), bot, Skip, false, 2},
		{"undeliverable", newMessage("alice@example.org", "Undeliverable: hi", nil), bot, Skip, false, 2},
		{"dsn", newMessage("alice@example.org", "Delivery Status Notification (Failure)", nil), bot, Skip, false, 2},
		{"mail delivery failed", newMessage("alice@example.org", "Mail delivery failed: returning message", nil), bot, Skip, false, 2},
		{"out of office", newMessage("alice@example.org", "Out of Office: back Monday", nil), bot, Skip, false, 2},
		{"automatic reply", newMessage("alice@example.org", "Automatic reply: hi", nil), bot, Skip, false, 2},

		{"extra sender indicator", newMessage("alerts@example.org", "hi", nil), Checker{ID: "x", AutoReply: true, ExtraNoReply: []string{" Alerts "}}, Skip, false, 1},
		{"extra subject indicator", newMessage("alice@example.org", "Invoice 42", nil), Checker{ID: "x", AutoReply: true, ExtraNoReply: []string{"invoice"}}, Skip, false, 2},
		{"extras keep defaults", newMessage("noreply@example.org", "hi", nil), Checker{ID: "x", AutoReply: true, ExtraNoReply: []string{"invoice"}}, Skip, false, 1},
		{"monitor still skips automated", newMessage("noreply@example.org", "hi", nil), Checker{ID: "m"}, Skip, false, 1},
	}

	g := newGate(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Classify(context.Background(), tt.msg, tt.checker)
			assert.Equal(t, tt.want, d.Verdict, "reason: %s", d.Reason)
			assert.Equal(t, tt.sendable, d.Sendable)
			assert.Equal(t, tt.rule, d.Rule)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestClassifyAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	g := newGate(mem)
	msg := newMessage("alice@example.org", "hello", nil)

	assert.True(t, g.Classify(ctx, msg, bot).Eligible())

	require.NoError(t, mem.MarkProcessed(ctx, store.Record{CheckerID: bot.ID, MessageKey: msg.Key, Outcome: store.OutcomeReplied, ProcessedAt: time.Now()}))
	d := g.Classify(ctx, msg, bot)
	assert.Equal(t, Skip, d.Verdict)
	assert.Equal(t, 0, d.Rule)

	other := bot
	other.ID = "sales"
	assert.True(t, g.Classify(ctx, msg, other).Eligible(), "processed state is per checker")
}

func TestClassifyReplyTo(t *testing.T) {
	withReplyTo := func(from, replyTo string) *mailbox.Message {
		m := newMessage(from, "hi", nil)
		m.ReplyTo = replyTo
		return m
	}
	tests := []struct {
		name string
		msg  *mailbox.Message
		want Verdict
	}{
		{"ordinary reply-to", withReplyTo("alice@example.org", "team@example.org"), Eligible},
		{"reply-to is this mailbox", withReplyTo("alice@example.org", "Bot@Example.com"), Skip},
		{"no-reply reply-to", withReplyTo("alice@example.org", "noreply@shop.example"), Skip},
		{"extra indicator on reply-to", withReplyTo("alice@example.org", "billing-robot@example.org"), Skip},
	}
	c := bot
	c.ExtraNoReply = []string{"robot"}
	g := newGate(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Classify(context.Background(), tt.msg, c)
			assert.Equal(t, tt.want, d.Verdict, "reason: %s", d.Reason)
			if tt.want == Skip {
				assert.Equal(t, 1, d.Rule)
				assert.Contains(t, d.Reason, "reply-to")
			}
		})
	}
}

type brokenStore struct{ store.ProcessedStore }

func (brokenStore) IsProcessed(context.Context, string, string) (bool, error) {
	return false, errors.New("database is locked")
}

func TestClassifyStoreFailureFallsThrough(t *testing.T) {
	g := newGate(brokenStore{})
	d := g.Classify(context.Background(), newMessage("alice@example.org", "hello", nil), bot)
	assert.Equal(t, Eligible, d.Verdict)

	d = g.Classify(context.Background(), newMessage("noreply@example.org", "hello", nil), bot)
	assert.Equal(t, Skip, d.Verdict)
}

// The agent's own replies must never be eligible, whatever mailbox they
// land in.
func TestClassifyOwnRepliesNeverEligible(t *testing.T) {
	src := &mailbox.Message{
		From:      "alice@example.org",
		Subject:   "Question",
		MessageID: "q@example.org",
		Header:    make(textproto.MIMEHeader),
	}
	_, raw, err := mailbox.Reply(src, "Answer").Compose("bot@example.com", time.Now())
	require.NoError(t, err)
	reply, err := mailbox.Parse(raw)
	require.NoError(t, err)

	g := newGate(nil)
	for _, c := range []Checker{
		bot,
		{ID: "other", Address: "someone@example.net", AutoReply: true},
		{ID: "monitor", Address: "x@example.net"},
	} {
		d := g.Classify(context.Background(), reply, c)
		assert.Equal(t, Skip, d.Verdict, "checker %s", c.ID)
	}
}
