package mailerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped auth", fmt.Errorf("login: %w", ErrAuth), "auth"},
		{"wrapped connection", fmt.Errorf("dial: %w", ErrConnection), "connection"},
		{"transient", ErrVendorTransient, "vendor_transient"},
		{"permanent", fmt.Errorf("x: %w", ErrVendorPermanent), "vendor_permanent"},
		{"loop", ErrToolLoopExceeded, "tool_loop_exceeded"},
		{"tool", ErrToolExecution, "tool_execution"},
		{"other", errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}
