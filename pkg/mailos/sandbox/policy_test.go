package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCommand(t *testing.T) {
	allowed := []string{"echo", "grep", "wc", "ls", "curl"}

	tests := []struct {
		name    string
		line    string
		allowed []string
		network bool
		wantErr bool
	}{
		{"single allowed", "echo hello", allowed, false, false},
		{"pipeline allowed", "ls -la | grep go | wc -l", allowed, false, false},
		{"and-list with disallowed", "echo ok && rm -rf /", allowed, false, true},
		{"semicolon with disallowed", "echo ok; cat /etc/passwd", allowed, false, true},
		{"quoted separator is not a segment", `echo "a | rm"`, allowed, false, false},
		{"absolute path uses base name", "/bin/echo hi", allowed, false, false},
		{"env assignment prefix", "LANG=C grep x file", allowed, false, false},
		{"redirect to fd", "ls 2>&1 | wc -l", allowed, false, false},
		{"command substitution", "echo $(rm -rf /)", allowed, false, true},
		{"backticks", "echo `id`", allowed, false, true},
		{"empty allow-list denies", "echo hi", nil, false, true},
		{"network without permission", "curl http://example.com", allowed, false, true},
		{"network with permission", "curl http://example.com", allowed, true, false},
		{"unterminated quote", `echo "oops`, allowed, false, true},
		{"blank", "   ", allowed, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCommand(tt.line, tt.allowed, tt.network)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrPolicyViolation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckPython(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		modules []string
		network bool
		wantErr bool
	}{
		{"no imports", "print(1+1)", nil, false, false},
		{"stdlib without allow-list", "import json\nprint(json.dumps({}))", nil, false, false},
		{"network module blocked", "import socket", nil, false, true},
		{"from-import network blocked", "from urllib.request import urlopen", nil, false, true},
		{"network allowed", "import socket", nil, true, false},
		{"allow-list hit", "import math, json as j", []string{"math", "json"}, false, false},
		{"allow-list miss", "import os", []string{"math"}, false, true},
		{"dotted module uses top level", "import os.path", []string{"os"}, false, false},
		{"dynamic import with allow-list", "m = __import__('os')", []string{"math"}, false, true},
		{"semicolon statements", "import math; import os", []string{"math"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPython(tt.code, tt.modules, tt.network)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrPolicyViolation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))

	t.Run("empty resolves to root", func(t *testing.T) {
		dir, err := ResolveDir(root, "")
		require.NoError(t, err)
		want, _ := filepath.EvalSymlinks(root)
		assert.Equal(t, want, dir)
	})

	t.Run("relative inside root", func(t *testing.T) {
		dir, err := ResolveDir(root, "sub")
		require.NoError(t, err)
		assert.Equal(t, "sub", filepath.Base(dir))
	})

	t.Run("parent escape rejected", func(t *testing.T) {
		_, err := ResolveDir(root, "../..")
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("absolute outside rejected", func(t *testing.T) {
		_, err := ResolveDir(root, os.TempDir())
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("symlink escape rejected", func(t *testing.T) {
		outside := t.TempDir()
		link := filepath.Join(root, "link")
		if err := os.Symlink(outside, link); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
		_, err := ResolveDir(root, "link")
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})
}

func TestFilterEnv(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	got := p.FilterEnv(map[string]string{
		"LANG":              "C",
		"LD_PRELOAD":        "/evil.so",
		"LD_AUDIT":          "x",
		"PYTHONPATH":        "/x",
		"MAILOS_X_PASSWORD": "secret",
		"AWS_SECRET_KEY":    "secret",
	})
	assert.Equal(t, map[string]string{"LANG": "C"}, got)
}
