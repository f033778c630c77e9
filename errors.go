package gatekeeper

import (
	"strings"

	"github.com/joomcode/errorx"
)

// Error taxonomy for events the gatekeeper refuses to act on and for platform
// call failures. None of these is fatal: scope, duplicate and stale conditions
// are silent no-ops, platform failures are logged and swallowed.
var (
	gateErrors = errorx.NewNamespace("gatekeeper")

	// ErrChatNotAllowed marks an event for a chat outside the allow-list.
	ErrChatNotAllowed = gateErrors.NewType("chat_not_allowed")
	// ErrAlreadyPending marks a join for a user who is already pending.
	ErrAlreadyPending = gateErrors.NewType("already_pending")
	// ErrNothingPending marks a resolve attempt with no pending entry.
	ErrNothingPending = gateErrors.NewType("nothing_pending")
	// ErrPlatform wraps failures of Telegram API calls.
	ErrPlatform = gateErrors.NewType("platform")
)

// errorKind returns the taxonomy label of an error for logs and metrics.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if e := errorx.Cast(err); e != nil {
		return e.Type().String()
	}
	return ErrPlatform.String()
}

// IsBlockedError reports whether the bot is blocked by the user.
func IsBlockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "bot was blocked by the user")
}

// IsNotFoundMessageErr reports whether the message to act on is already gone.
// Deleting an already-deleted challenge message is not a failure.
func IsNotFoundMessageErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "message to delete not found") ||
		strings.Contains(err.Error(), "message to edit not found")
}
