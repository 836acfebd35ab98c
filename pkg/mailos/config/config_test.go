package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/tools"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

const sampleConfig = `
logging:
  level: debug
checkers:
  - id: support
    name: Support desk
    imap_server: imap.example.org
    monitor_email: bot@example.org
    password: secret
    vendor: openai
    vendor_config:
      api_key: sk-test
    interval: 1m
    auto_reply: true
    enabled_tools: [web_search, execute_bash]
    tool_config:
      execute_bash:
        allowed_commands: [ls, cat]
        timeout: 5s
      web_search:
        max_results: 3
    attachments:
      enabled: true
      dir: attachments
    gate:
      extra_noreply: [invoice]
  - id: monitor
    imap_server: imap.example.net
    imap_port: 143
    tls_mode: starttls
    monitor_email: watch@example.net
    password: other
    vendor: anthropic
    vendor_config:
      api_key: key
    enabled: false
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "./data/mailos.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	require.Len(t, cfg.Checkers, 2)

	s := cfg.Checkers[0]
	assert.Equal(t, "Support desk", s.DisplayName())
	assert.Equal(t, time.Minute, s.Interval)
	assert.True(t, s.Enabled)
	assert.True(t, s.AutoReply)
	assert.Equal(t, 1, s.Concurrency)
	assert.Equal(t, DefaultTickTimeout, s.TickTimeout)
	assert.Equal(t, "tls", s.TLSMode)
	assert.Equal(t, 5*time.Second, s.ToolConfig["execute_bash"].Timeout)

	m := cfg.Checkers[1]
	assert.Equal(t, "monitor", m.DisplayName())
	assert.False(t, m.Enabled)
	assert.False(t, m.AutoReply)
	assert.Equal(t, DefaultInterval, m.Interval)
	assert.Equal(t, "starttls", m.TLSMode)

	require.NoError(t, cfg.Validate())

	got, ok := cfg.Checker("monitor")
	require.True(t, ok)
	assert.Equal(t, "watch@example.net", got.MonitorEmail)
	_, ok = cfg.Checker("missing")
	assert.False(t, ok)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MAILOS_TEST_HOST", "imap.example.org")

	out, err := expandEnv("a: ${MAILOS_TEST_HOST}\nb: ${MAILOS_TEST_UNSET:-fallback}\nc: ${MAILOS_TEST_UNSET}\n")
	require.NoError(t, err)
	assert.Equal(t, "a: imap.example.org\nb: fallback\nc: ${MAILOS_TEST_UNSET}\n", out)

	_, err = expandEnv("password: ${MAILOS_TEST_UNSET:?set the mailbox password}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAILOS_TEST_UNSET: set the mailbox password")

	_, err = Parse([]byte("checkers:\n  - id: x\n    password: ${MAILOS_TEST_UNSET:?}\n"))
	assert.ErrorContains(t, err, "required environment variable not set")
}

func TestValidate(t *testing.T) {
	valid := func() CheckerConfig {
		c := DefaultChecker()
		c.ID = "support"
		c.IMAPServer = "imap.example.org"
		c.MonitorEmail = "bot@example.org"
		c.Password = "pw"
		c.Vendor = "openai"
		c.VendorConfig.APIKey = "sk"
		return c
	}
	wrap := func(cs ...CheckerConfig) *Config {
		cfg := Default()
		cfg.Checkers = cs
		return cfg
	}
	require.NoError(t, wrap(valid()).Validate())

	tests := []struct {
		name   string
		mutate func(*CheckerConfig)
		want   string
	}{
		{"bad id", func(c *CheckerConfig) { c.ID = "Bad Id" }, "must match"},
		{"no server", func(c *CheckerConfig) { c.IMAPServer = "" }, "imap_server is required"},
		{"bad address", func(c *CheckerConfig) { c.MonitorEmail = "bot" }, "not an address"},
		{"no password", func(c *CheckerConfig) { c.Password = "" }, "MAILOS_SUPPORT_PASSWORD"},
		{"short interval", func(c *CheckerConfig) { c.Interval = time.Second }, "below the minimum"},
		{"unknown vendor", func(c *CheckerConfig) { c.Vendor = "acme" }, "unknown vendor"},
		{"missing key", func(c *CheckerConfig) { c.VendorConfig.APIKey = "" }, "api_key is required"},
		{"bedrock keys", func(c *CheckerConfig) { c.Vendor = "bedrock-anthropic" }, "aws_access_key"},
		{"unknown tool", func(c *CheckerConfig) { c.EnabledTools = []string{"rm_rf"} }, `unknown tool "rm_rf"`},
		{"unknown tool config", func(c *CheckerConfig) {
			c.ToolConfig = map[string]tools.Config{"nope": {}}
		}, `tool_config: unknown tool "nope"`},
		{"tls mode", func(c *CheckerConfig) { c.TLSMode = "ssl3" }, "unknown tls mode"},
		{"concurrency", func(c *CheckerConfig) { c.Concurrency = 0 }, "concurrency"},
		{"attachments dir", func(c *CheckerConfig) { c.Attachments = AttachmentsConfig{Enabled: true} }, "attachments.dir"},
		{"task schedule", func(c *CheckerConfig) {
			c.Tasks = []TaskConfig{{ID: "digest", Title: "Digest", Description: "d", Schedule: "every day"}}
		}, `invalid schedule "every day"`},
		{"task fields", func(c *CheckerConfig) {
			c.Tasks = []TaskConfig{{ID: "digest", Schedule: "@daily"}}
		}, "title and description are required"},
		{"task ids", func(c *CheckerConfig) {
			task := TaskConfig{ID: "digest", Title: "Digest", Description: "d", Schedule: "@daily"}
			c.Tasks = []TaskConfig{task, task}
		}, `duplicate id "digest"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := wrap(c).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("duplicate ids", func(t *testing.T) {
		err := wrap(valid(), valid()).Validate()
		assert.ErrorContains(t, err, `duplicate id "support"`)
	})

	t.Run("reports every problem", func(t *testing.T) {
		c := valid()
		c.IMAPServer = ""
		c.Password = ""
		err := wrap(c).Validate()
		assert.ErrorContains(t, err, "imap_server")
		assert.ErrorContains(t, err, "password")
	})
}

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, StoreSecret("support", "password", "from-keyring"))
	require.NoError(t, StoreSecret("support", "api_key", "kr-key"))
	assert.Error(t, StoreSecret("support", "colour", "x"))

	t.Setenv("MAILOS_SALES_TEAM_PASSWORD", "from-env")
	t.Setenv("ANTHROPIC_API_KEY", "vendor-env")
	t.Setenv("MAILOS_GATEWAY_TOKEN", "tok")

	cfg := &Config{Checkers: []CheckerConfig{
		{ID: "support", Password: "${SUPPORT_PW}", Vendor: "openai"},
		{ID: "sales-team", Vendor: "anthropic"},
		{ID: "literal", Password: "inline", Vendor: "openai", VendorConfig: vendor.Config{APIKey: "inline-key"}},
	}}
	ResolveSecrets(cfg, KeyringStore{})

	assert.Equal(t, "from-keyring", cfg.Checkers[0].Password)
	assert.Equal(t, "kr-key", cfg.Checkers[0].VendorConfig.APIKey)
	assert.Equal(t, "from-env", cfg.Checkers[1].Password)
	assert.Equal(t, "vendor-env", cfg.Checkers[1].VendorConfig.APIKey)
	assert.Equal(t, "inline", cfg.Checkers[2].Password)
	assert.Equal(t, "inline-key", cfg.Checkers[2].VendorConfig.APIKey)
	assert.Equal(t, "tok", cfg.Gateway.AuthToken)

	require.NoError(t, DeleteSecret("support", "password"))
	assert.Error(t, DeleteSecret("support", "password"))
}

func TestCheckerConversions(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	s := cfg.Checkers[0]

	mc := s.MailboxConfig()
	assert.Equal(t, "support", mc.CheckerID)
	assert.Equal(t, "imap.example.org", mc.IMAPHost)
	assert.Equal(t, mailbox.TLSImplicit, mc.TLSMode)
	assert.Equal(t, "bot@example.org", mc.Address)
	assert.Equal(t, "attachments", mc.AttachmentsDir)

	gc := s.GateChecker()
	assert.True(t, gc.AutoReply)
	assert.Equal(t, []string{"invoice"}, gc.ExtraNoReply)

	ts := s.ToolSettings()
	assert.Equal(t, []string{"ls", "cat"}, ts.AllowedCommands)
	assert.Equal(t, 3, ts.MaxResults)
	assert.Equal(t, 5*time.Second, ts.Timeout)
	assert.Equal(t, "attachments", ts.WorkDir)

	assert.Equal(t, 10, s.AgentConfig(cfg.Agent).MaxIterations)
	s.MaxIterations = 4
	assert.Equal(t, 4, s.AgentConfig(cfg.Agent).MaxIterations)

	assert.Empty(t, cfg.Checkers[1].MailboxConfig().AttachmentsDir)
}

func TestFingerprint(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	a := cfg.Checkers[0]
	b := a
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Interval = 2 * time.Minute
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := a
	c.Password = "rotated"
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	path := filepath.Join(dir, "mailos.yaml")
	writeConfig(t, path, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "mailos.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(dir, "attachments"), cfg.Checkers[0].Attachments.Dir)

	writeConfig(t, path, "checkers:\n  - id: broken\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "invalid config")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestWatcher(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	path := filepath.Join(dir, "mailos.yaml")
	writeConfig(t, path, sampleConfig)

	var (
		mu      sync.Mutex
		changes []*Config
	)
	w := NewWatcher(path, 50*time.Millisecond, func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(changes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(200 * time.Millisecond)

	t.Run("detects change", func(t *testing.T) {
		writeConfig(t, path, sampleConfig+"search_url: https://search.example.org/\n")
		require.Eventually(t, func() bool { return count() == 1 }, 3*time.Second, 20*time.Millisecond)
		mu.Lock()
		assert.Equal(t, "https://search.example.org/", changes[0].SearchURL)
		mu.Unlock()
	})

	t.Run("ignores touch", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, os.Chtimes(path, now, now))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		writeConfig(t, path, string(data))
		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, 1, count())
	})

	t.Run("keeps config on invalid file", func(t *testing.T) {
		writeConfig(t, path, "checkers: [")
		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, 1, count())
	})
}

func TestParseTasks(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig + `
  - id: reports
    imap_server: imap.example.org
    monitor_email: reports@example.org
    password: pw
    vendor: openai
    vendor_config:
      api_key: sk-test
    tasks:
      - id: digest
        title: Morning digest
        description: Summarize yesterday's unread mail
        schedule: "0 8 * * 1-5"
        variables:
          recipient: boss@example.org
      - id: cleanup
        title: Cleanup
        description: Archive old threads
        schedule: "@weekly"
        enabled: false
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	c, ok := cfg.Checker("reports")
	require.True(t, ok)
	require.Len(t, c.Tasks, 2)
	digest, ok := c.Task("digest")
	require.True(t, ok)
	assert.True(t, digest.Enabled)
	assert.Equal(t, "boss@example.org", digest.Variables["recipient"])
	cleanup, _ := c.Task("cleanup")
	assert.False(t, cleanup.Enabled)
	_, ok = c.Task("missing")
	assert.False(t, ok)

	before := c.Fingerprint()
	c.Tasks[0].Schedule = "0 9 * * 1-5"
	assert.NotEqual(t, before, c.Fingerprint())
}
