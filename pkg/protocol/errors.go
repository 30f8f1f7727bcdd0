package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed enumeration of failure categories the
// kernel produces. Callers discriminate with errors.As on *CoordError
// and switch on Kind rather than matching message strings.
type ErrorKind string

// Error kind constants.
const (
	ErrNotInitialized   ErrorKind = "not_initialized"
	ErrNotJoined        ErrorKind = "not_joined"
	ErrNotFound         ErrorKind = "not_found"
	ErrNoTask           ErrorKind = "no_task"
	ErrAlreadyHeld      ErrorKind = "already_held"
	ErrRaceLost         ErrorKind = "race_lost"
	ErrCycleDetected    ErrorKind = "cycle_detected"
	ErrStaleVersion     ErrorKind = "stale_version"
	ErrStoreBusy        ErrorKind = "store_busy"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrTimeout          ErrorKind = "timeout"
	ErrConfig           ErrorKind = "config"
)

// CoordError is the structured error record for every kernel failure.
// Identifier fields are optional context; only Kind and Msg are
// always set.
type CoordError struct {
	Kind    ErrorKind
	Msg     string
	TaskID  string
	AgentID string
	Path    string
	Version int64
}

func (e *CoordError) Error() string {
	switch {
	case e.TaskID != "" && e.AgentID != "":
		return fmt.Sprintf("%s: %s (task %s, agent %s)", e.Kind, e.Msg, e.TaskID, e.AgentID)
	case e.TaskID != "":
		return fmt.Sprintf("%s: %s (task %s)", e.Kind, e.Msg, e.TaskID)
	case e.AgentID != "":
		return fmt.Sprintf("%s: %s (agent %s)", e.Kind, e.Msg, e.AgentID)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Errf builds a CoordError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *CoordError {
	return &CoordError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, or "" when err is not a
// CoordError.
func KindOf(err error) ErrorKind {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
