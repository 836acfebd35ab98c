package tools

import (
	"encoding/json"
	"fmt"

	"github.com/jholhewres/mailos/pkg/mailos/mailerr"
)

// Status values of a Result.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error kinds carried by failed Results.
const (
	KindUnknownTool      = "unknown_tool"
	KindInvalidArguments = "invalid_arguments"
	KindForbidden        = "forbidden"
	KindTimeout          = "timeout"
	KindPanic            = "panic"
	KindExecution        = "execution"
)

// Result is the outcome of one tool call. It serializes to exactly
// {"status":"success","data":...} or
// {"status":"error","message":...,"kind":...}.
type Result struct {
	Status  string
	Data    any
	Message string
	Kind    string
}

// Success wraps a tool payload.
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Failure builds an error result.
func Failure(kind, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > 2000 {
		msg = msg[:2000] + "... (truncated)"
	}
	return Result{Status: StatusError, Kind: kind, Message: msg}
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Err returns nil for a success, otherwise an error wrapping
// mailerr.ErrToolExecution.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", mailerr.ErrToolExecution, r.Kind, r.Message)
}

// MarshalJSON emits the two-field contract.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK() {
		return json.Marshal(struct {
			Status string `json:"status"`
			Data   any    `json:"data"`
		}{r.Status, r.Data})
	}
	return json.Marshal(struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}{StatusError, r.Message, r.Kind})
}

// String renders the result as the JSON fed back to the model.
func (r Result) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Failure(KindExecution, "unserializable tool output: %v", err))
	}
	return string(b)
}
