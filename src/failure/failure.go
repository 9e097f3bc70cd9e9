// Package failure classifies the errors sshsnap can abort a run with.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a fatal error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig covers missing or malformed environment configuration.
	KindConfig
	// KindUsage covers malformed arguments from the caller.
	KindUsage
	// KindTransport is a failure to establish the multiplexed ssh session.
	KindTransport
	// KindRemoteCommand is a non-zero exit from a remote command.
	KindRemoteCommand
	// KindSync is a failed rsync upload or backup.
	KindSync
	// KindCollision means the new snapshot directory or the set lock is already taken.
	KindCollision
	// KindTemplate is a failed template render.
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindUsage:
		return "usage"
	case KindTransport:
		return "transport"
	case KindRemoteCommand:
		return "remote-command"
	case KindSync:
		return "sync"
	case KindCollision:
		return "collision"
	case KindTemplate:
		return "template"
	}
	return "unknown"
}

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
