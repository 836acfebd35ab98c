package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//
// Groups: 1 name, 2 modifier ("-" or "?"), 3 default or message.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load reads path, expands environment references, applies defaults,
// resolves secrets and validates the result.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ResolveSecrets(cfg, KeyringStore{})
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands data and decodes it over Default without resolving
// secrets or validating.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile returns the first existing config file in the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{"mailos.yaml", "mailos.yml", "config.yaml", "config.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".mailos", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadEnvFiles loads .env files from the working directory and the
// config directory. godotenv.Load never overwrites set variables.
func loadEnvFiles(dir string) {
	files := []string{".env.local", ".env"}
	for _, f := range files {
		_ = godotenv.Load(f)
		if dir != "" && dir != "." {
			_ = godotenv.Load(filepath.Join(dir, f))
		}
	}
}

// expandEnv replaces environment references in input. Unset variables
// without a modifier keep their placeholder; ${VAR:?msg} fails.
func expandEnv(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, mod, arg := m[1], m[2], m[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch mod {
		case "-":
			return arg
		case "?":
			if firstErr == nil {
				if arg == "" {
					arg = "required environment variable not set"
				}
				firstErr = fmt.Errorf("%s: %s", name, arg)
			}
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolveRelativePaths anchors relative paths at the config file's
// directory and expands "~/".
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Database.Path = resolvePath(cfg.Database.Path, dir)
	cfg.Sandbox.TempDir = resolvePath(cfg.Sandbox.TempDir, dir)
	for i := range cfg.Checkers {
		ch := &cfg.Checkers[i]
		ch.Attachments.Dir = resolvePath(ch.Attachments.Dir, dir)
		for name, tc := range ch.ToolConfig {
			tc.WorkDir = resolvePath(tc.WorkDir, dir)
			ch.ToolConfig[name] = tc
		}
	}
}

func resolvePath(p, dir string) string {
	if p == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// checkFilePermissions warns when the config file is readable by group
// or others, since it may hold passwords.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
