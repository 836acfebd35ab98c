// Package mailerr defines the error taxonomy shared by every MailOS
// component. Errors are wrapped with fmt.Errorf("...: %w") at each layer
// and classified by callers with errors.Is.
package mailerr

import "errors"

var (
	// ErrConnection reports a transient IMAP/SMTP transport failure that
	// survived the session's own backoff.
	ErrConnection = errors.New("connection error")

	// ErrAuth reports rejected mailbox credentials. A checker that hits it
	// stays suspended until its configuration changes.
	ErrAuth = errors.New("authentication error")

	// ErrVendorTransient reports a retryable LLM vendor failure
	// (rate limit, overload, timeout, 5xx, network).
	ErrVendorTransient = errors.New("vendor transient error")

	// ErrVendorPermanent reports a vendor failure that retrying cannot fix
	// (bad request, invalid credentials, billing).
	ErrVendorPermanent = errors.New("vendor permanent error")

	// ErrToolExecution reports a failed tool call. It is never fatal to an
	// agent run; it only surfaces as conversation content.
	ErrToolExecution = errors.New("tool execution error")

	// ErrToolLoopExceeded is returned when a run hits its iteration cap.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
)

// Kind returns a short stable label for err, used in logs and status.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrVendorTransient):
		return "vendor_transient"
	case errors.Is(err, ErrVendorPermanent):
		return "vendor_permanent"
	case errors.Is(err, ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrToolExecution):
		return "tool_execution"
	default:
		return "internal"
	}
}
