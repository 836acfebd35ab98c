// Package sandbox – policy.go decides what a request may run: command
// allow-listing, Python import restrictions, network tool blocking,
// working directory confinement and environment filtering.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrPolicyViolation is wrapped by every rejection issued by Policy.
var ErrPolicyViolation = errors.New("policy violation")

// Policy enforces security rules on execution requests.
type Policy struct {
	blockedEnvSet map[string]bool
	allowedEnvSet map[string]bool
}

// NewPolicy creates a Policy from the sandbox config.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		blockedEnvSet: make(map[string]bool),
		allowedEnvSet: make(map[string]bool),
	}
	for _, env := range defaultBlockedEnv() {
		p.blockedEnvSet[env] = true
	}
	for _, env := range cfg.BlockedEnv {
		p.blockedEnvSet[env] = true
	}
	for _, env := range cfg.AllowedEnv {
		p.allowedEnvSet[env] = true
	}
	return p
}

// Validate checks a request against its own allow-lists.
func (p *Policy) Validate(req *ExecRequest) error {
	switch req.Runtime {
	case RuntimeShell:
		return CheckCommand(req.Code, req.AllowedCommands, req.AllowNetwork)
	case RuntimePython:
		return CheckPython(req.Code, req.AllowedModules, req.AllowNetwork)
	default:
		return fmt.Errorf("%w: unknown runtime %q", ErrPolicyViolation, req.Runtime)
	}
}

// FilterEnv returns the subset of env allowed by the policy.
func (p *Policy) FilterEnv(env map[string]string) map[string]string {
	filtered := make(map[string]string)
	for k, v := range env {
		if !p.IsEnvAllowed(k) {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

// HostEnv returns the filtered environment of the current process.
func (p *Policy) HostEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	filtered := p.FilterEnv(env)
	if filtered["PATH"] == "" {
		filtered["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}
	return filtered
}

// IsEnvAllowed checks if an environment variable may reach a child.
func (p *Policy) IsEnvAllowed(name string) bool {
	if p.blockedEnvSet[name] {
		return false
	}
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	if len(p.allowedEnvSet) > 0 {
		return name == "PATH" || p.allowedEnvSet[name]
	}
	return true
}

// ---------- Shell ----------

var networkCommands = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"ssh": true, "scp": true, "sftp": true, "rsync": true, "telnet": true,
	"ftp": true, "socat": true,
}

// CheckCommand validates a shell command line: the first word of every
// pipeline segment must be in allowed. Command and process substitution
// are rejected outright since they hide commands from the check.
func CheckCommand(line string, allowed []string, allowNetwork bool) error {
	if strings.TrimSpace(line) == "" {
		return fmt.Errorf("%w: empty command", ErrPolicyViolation)
	}
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no commands are allowed for this checker", ErrPolicyViolation)
	}
	for _, bad := range []string{"$(", "`", "<(", ">("} {
		if strings.Contains(line, bad) {
			return fmt.Errorf("%w: %q is not allowed", ErrPolicyViolation, bad)
		}
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}

	segments, err := splitSegments(line)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	for _, words := range segments {
		name := commandName(words)
		if name == "" {
			continue
		}
		if !allowNetwork && networkCommands[name] {
			return fmt.Errorf("%w: network command %q requires allow_network", ErrPolicyViolation, name)
		}
		if !allowedSet[name] {
			return fmt.Errorf("%w: command %q is not in the allow-list", ErrPolicyViolation, name)
		}
	}
	return nil
}

// commandName returns the executable of one segment, skipping leading
// VAR=value assignments and grouping characters.
func commandName(words []string) string {
	for _, w := range words {
		w = strings.TrimLeft(w, "({!")
		if w == "" {
			continue
		}
		if i := strings.IndexByte(w, '='); i > 0 && !strings.ContainsAny(w[:i], "/.") {
			continue
		}
		return filepath.Base(w)
	}
	return ""
}

// splitSegments splits a command line into words grouped by the
// control operators | || & && ; and newline, honouring quotes.
func splitSegments(line string) ([][]string, error) {
	var (
		segments [][]string
		words    []string
		cur      strings.Builder
		inWord   bool
		single   bool
		double   bool
		escaped  bool
		prev     rune
	)
	endWord := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	endSegment := func() {
		endWord()
		if len(words) > 0 {
			segments = append(segments, words)
			words = nil
		}
	}

	for _, r := range line {
		last := prev
		prev = r
		switch {
		case escaped:
			cur.WriteRune(r)
			inWord = true
			escaped = false
		case r == '\\' && !single:
			escaped = true
		case r == '\'' && !double:
			single = !single
			inWord = true
		case r == '"' && !single:
			double = !double
			inWord = true
		case single || double:
			cur.WriteRune(r)
		case r == '&' && (last == '>' || last == '<'):
			cur.WriteRune(r)
		case r == '|' || r == '&' || r == ';' || r == '\n':
			endSegment()
		case r == ' ' || r == '\t':
			endWord()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if single || double {
		return nil, errors.New("unterminated quote")
	}
	endSegment()
	return segments, nil
}

// ---------- Python ----------

var (
	importRe     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+(\S+)\s+import\b`)
	dynImportRe  = regexp.MustCompile(`__import__|importlib|\bexec\s*\(|\beval\s*\(`)
)

var networkModules = map[string]bool{
	"socket": true, "ssl": true, "http": true, "urllib": true, "urllib3": true,
	"requests": true, "httpx": true, "aiohttp": true, "ftplib": true,
	"smtplib": true, "poplib": true, "imaplib": true, "telnetlib": true,
}

// CheckPython statically checks the imports of a snippet. With a module
// allow-list, dynamic import forms are rejected as well.
func CheckPython(code string, allowedModules []string, allowNetwork bool) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: empty code", ErrPolicyViolation)
	}
	allowedSet := make(map[string]bool, len(allowedModules))
	for _, m := range allowedModules {
		allowedSet[m] = true
	}
	restrict := len(allowedSet) > 0

	for _, raw := range strings.Split(code, "\n") {
		for _, stmt := range strings.Split(raw, ";") {
			if restrict && dynImportRe.MatchString(stmt) {
				return fmt.Errorf("%w: dynamic imports are not allowed", ErrPolicyViolation)
			}
			for _, mod := range importedModules(stmt) {
				if !allowNetwork && networkModules[mod] {
					return fmt.Errorf("%w: module %q requires allow_network", ErrPolicyViolation, mod)
				}
				if restrict && !allowedSet[mod] {
					return fmt.Errorf("%w: module %q is not in the allow-list", ErrPolicyViolation, mod)
				}
			}
		}
	}
	return nil
}

// importedModules returns the top-level module names of one statement.
func importedModules(stmt string) []string {
	if m := fromImportRe.FindStringSubmatch(stmt); m != nil {
		return []string{topLevel(m[1])}
	}
	m := importRe.FindStringSubmatch(stmt)
	if m == nil {
		return nil
	}
	var mods []string
	for _, part := range strings.Split(m[1], ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		mods = append(mods, topLevel(fields[0]))
	}
	return mods
}

func topLevel(mod string) string {
	if i := strings.IndexByte(mod, '.'); i >= 0 {
		return mod[:i]
	}
	return mod
}

// ---------- Filesystem ----------

// ResolveDir resolves dir against root and rejects anything that escapes
// root, including through symlinks.
func ResolveDir(root, dir string) (string, error) {
	target, err := ResolvePath(root, dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", dir)
	}
	return target, nil
}

// ResolvePath resolves p (relative to root, or absolute) and fails with
// ErrPolicyViolation when the result lies outside root. Empty p is root.
func ResolvePath(root, p string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	target := p
	if target == "" {
		target = absRoot
	} else if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside %q", ErrPolicyViolation, p, root)
	}
	return target, nil
}
