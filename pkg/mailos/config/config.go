// Package config loads the MailOS configuration: process-wide settings
// plus the list of mailbox checkers, with secrets taken from the
// environment or the OS keyring.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/mailos/pkg/mailos/agent"
	"github.com/jholhewres/mailos/pkg/mailos/gate"
	"github.com/jholhewres/mailos/pkg/mailos/mailbox"
	"github.com/jholhewres/mailos/pkg/mailos/sandbox"
	"github.com/jholhewres/mailos/pkg/mailos/tools"
	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultTickTimeout = 10 * time.Minute
	MinInterval        = 10 * time.Second
)

// Config is the root of the configuration file.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`

	// Sandbox holds process-wide limits for execute_bash and execute_python.
	Sandbox sandbox.Config `yaml:"sandbox"`

	// Agent holds run defaults; a checker's max_iterations overrides them.
	Agent agent.Config `yaml:"agent"`

	// SearchURL overrides the web_search endpoint.
	SearchURL string `yaml:"search_url"`

	// ArxivURL overrides the arxiv_search endpoint.
	ArxivURL string `yaml:"arxiv_url"`

	Checkers []CheckerConfig `yaml:"checkers"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig locates the SQLite file with processed messages and
// checker status.
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// Retention prunes processed records older than this. Zero keeps all.
	Retention time.Duration `yaml:"retention"`
}

// GatewayConfig configures the status API.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
}

// CheckerConfig is one monitored mailbox. A tick works on a copy.
type CheckerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	IMAPServer   string `yaml:"imap_server"`
	IMAPPort     int    `yaml:"imap_port"`
	MonitorEmail string `yaml:"monitor_email"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TLSMode      string `yaml:"tls_mode"`

	SMTPServer  string `yaml:"smtp_server"`
	SMTPPort    int    `yaml:"smtp_port"`
	SMTPTLSMode string `yaml:"smtp_tls_mode"`

	Interval  time.Duration `yaml:"interval"`
	Enabled   bool          `yaml:"enabled"`
	AutoReply bool          `yaml:"auto_reply"`

	Vendor       string        `yaml:"vendor"`
	Model        string        `yaml:"model"`
	VendorConfig vendor.Config `yaml:"vendor_config"`

	SystemPrompt string                  `yaml:"system_prompt"`
	EnabledTools []string                `yaml:"enabled_tools"`
	ToolConfig   map[string]tools.Config `yaml:"tool_config"`

	TickTimeout   time.Duration `yaml:"tick_timeout"`
	MaxIterations int           `yaml:"max_iterations"`
	Concurrency   int           `yaml:"concurrency"`

	Attachments AttachmentsConfig `yaml:"attachments"`
	Gate        GateConfig        `yaml:"gate"`

	// Tasks run on their own cron schedules, without an inbound message.
	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig is a scheduled job handed to the checker's agent.
type TaskConfig struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`

	// Schedule is a five-field cron expression or a descriptor such as
	// "@daily" or "@every 1h".
	Schedule string `yaml:"schedule"`
	Enabled  bool   `yaml:"enabled"`

	// Variables are shown to the model next to the task.
	Variables map[string]string `yaml:"variables"`
}

// UnmarshalYAML decodes a task with Enabled defaulting to true.
func (t *TaskConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain TaskConfig
	p := plain{Enabled: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*t = TaskConfig(p)
	return nil
}

// TaskSchedule is the parser for task schedules: five cron fields or a
// descriptor.
var TaskSchedule = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Task returns the checker's task with the given id.
func (c CheckerConfig) Task(id string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// AttachmentsConfig controls attachment extraction.
type AttachmentsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// GateConfig extends the reply gate for one checker.
type GateConfig struct {
	ExtraNoReply []string `yaml:"extra_noreply"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: "./data/mailos.db", Retention: 90 * 24 * time.Hour},
		Gateway:  GatewayConfig{Address: "127.0.0.1:8089"},
		Sandbox:  sandbox.DefaultConfig(),
		Agent:    agent.DefaultConfig(),
	}
}

// DefaultChecker returns the values a checker entry starts from.
func DefaultChecker() CheckerConfig {
	return CheckerConfig{
		Interval:    DefaultInterval,
		Enabled:     true,
		TLSMode:     string(mailbox.TLSImplicit),
		TickTimeout: DefaultTickTimeout,
		Concurrency: 1,
		Attachments: AttachmentsConfig{Dir: "./data/attachments", MaxBytes: mailbox.DefaultMaxAttachmentBytes},
	}
}

// UnmarshalYAML decodes a checker over DefaultChecker so that omitted
// keys keep their defaults.
func (c *CheckerConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain CheckerConfig
	p := plain(DefaultChecker())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*c = CheckerConfig(p)
	return nil
}

// DisplayName returns Name, falling back to the id.
func (c CheckerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Fingerprint identifies the checker's effective configuration. The
// scheduler compares fingerprints to detect updates.
func (c CheckerConfig) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", c))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MailboxConfig converts c for the mailbox package.
func (c CheckerConfig) MailboxConfig() mailbox.Config {
	mc := mailbox.Config{
		CheckerID:   c.ID,
		IMAPHost:    c.IMAPServer,
		IMAPPort:    c.IMAPPort,
		TLSMode:     mailbox.TLSMode(c.TLSMode),
		Username:    c.Username,
		Password:    c.Password,
		Address:     c.MonitorEmail,
		SMTPHost:    c.SMTPServer,
		SMTPPort:    c.SMTPPort,
		SMTPTLSMode: mailbox.TLSMode(c.SMTPTLSMode),
	}
	if c.Attachments.Enabled {
		mc.AttachmentsDir = c.Attachments.Dir
		mc.MaxAttachmentBytes = c.Attachments.MaxBytes
	}
	return mc
}

// GateChecker converts c for the reply gate.
func (c CheckerConfig) GateChecker() gate.Checker {
	return gate.Checker{
		ID:           c.ID,
		Address:      c.MonitorEmail,
		AutoReply:    c.AutoReply,
		ExtraNoReply: c.Gate.ExtraNoReply,
	}
}

// AgentConfig applies the checker's overrides to base.
func (c CheckerConfig) AgentConfig(base agent.Config) agent.Config {
	if c.MaxIterations > 0 {
		base.MaxIterations = c.MaxIterations
	}
	return base
}

// ToolSettings merges the per-tool sections into the single tools.Config
// every tool receives. Later tools in enabled_tools win on conflicts.
func (c CheckerConfig) ToolSettings() tools.Config {
	var out tools.Config
	for _, n := range c.EnabledTools {
		tc, ok := c.ToolConfig[n]
		if !ok {
			continue
		}
		out.AllowedCommands = append(out.AllowedCommands, tc.AllowedCommands...)
		out.AllowedModules = append(out.AllowedModules, tc.AllowedModules...)
		out.AllowNetwork = out.AllowNetwork || tc.AllowNetwork
		if tc.WorkDir != "" {
			out.WorkDir = tc.WorkDir
		}
		if tc.MaxMemoryMB > 0 {
			out.MaxMemoryMB = tc.MaxMemoryMB
		}
		if tc.Timeout > 0 {
			out.Timeout = tc.Timeout
		}
		if tc.MaxResults > 0 {
			out.MaxResults = tc.MaxResults
		}
	}
	if out.WorkDir == "" && c.Attachments.Enabled {
		out.WorkDir = c.Attachments.Dir
	}
	return out
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Validate checks the whole configuration and reports every problem
// found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Sandbox.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		errs = append(errs, errors.New("gateway.address is required when the gateway is enabled"))
	}

	seen := make(map[string]bool, len(c.Checkers))
	for i := range c.Checkers {
		ch := &c.Checkers[i]
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("checkers[%d]: duplicate id %q", i, ch.ID))
		}
		seen[ch.ID] = true
		if err := ch.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("checkers[%d] (%s): %w", i, ch.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks one checker. Disabled checkers are still validated so
// that enabling them later cannot fail at runtime.
func (c *CheckerConfig) Validate() error {
	var errs []error
	if !idPattern.MatchString(c.ID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", c.ID, idPattern))
	}
	if c.IMAPServer == "" {
		errs = append(errs, errors.New("imap_server is required"))
	}
	if c.MonitorEmail == "" || !strings.Contains(c.MonitorEmail, "@") {
		errs = append(errs, fmt.Errorf("monitor_email %q is not an address", c.MonitorEmail))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is not set (config, keyring or MAILOS_"+envID(c.ID)+"_PASSWORD)"))
	}
	for _, m := range []string{c.TLSMode, c.SMTPTLSMode} {
		switch mailbox.TLSMode(m) {
		case "", mailbox.TLSImplicit, mailbox.TLSStartTLS, mailbox.TLSNone:
		default:
			errs = append(errs, fmt.Errorf("unknown tls mode %q", m))
		}
	}
	if c.Interval < MinInterval {
		errs = append(errs, fmt.Errorf("interval %s is below the minimum of %s", c.Interval, MinInterval))
	}
	if c.TickTimeout <= 0 {
		errs = append(errs, errors.New("tick_timeout must be positive"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.MaxIterations < 0 {
		errs = append(errs, errors.New("max_iterations must not be negative"))
	}
	if err := vendor.ValidateCredentials(c.Vendor, c.VendorConfig); err != nil {
		errs = append(errs, err)
	}
	for _, name := range c.EnabledTools {
		if !slices.Contains(tools.BuiltinNames, name) {
			errs = append(errs, fmt.Errorf("enabled_tools: unknown tool %q", name))
		}
	}
	for name := range c.ToolConfig {
		if !slices.Contains(tools.BuiltinNames, name) {
			errs = append(errs, fmt.Errorf("tool_config: unknown tool %q", name))
		}
	}
	if c.Attachments.Enabled && c.Attachments.Dir == "" {
		errs = append(errs, errors.New("attachments.dir is required when attachments are enabled"))
	}
	taskIDs := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		switch {
		case !idPattern.MatchString(t.ID):
			errs = append(errs, fmt.Errorf("tasks[%d]: id %q must match %s", i, t.ID, idPattern))
		case taskIDs[t.ID]:
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID))
		}
		taskIDs[t.ID] = true
		if strings.TrimSpace(t.Title) == "" || strings.TrimSpace(t.Description) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d] (%s): title and description are required", i, t.ID))
		}
		if _, err := TaskSchedule.Parse(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d] (%s): invalid schedule %q: %w", i, t.ID, t.Schedule, err))
		}
	}
	return errors.Join(errs...)
}

// Checker returns the checker with the given id.
func (c *Config) Checker(id string) (CheckerConfig, bool) {
	for _, ch := range c.Checkers {
		if ch.ID == id {
			return ch, true
		}
	}
	return CheckerConfig{}, false
}
