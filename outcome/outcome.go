// Package outcome holds the terminal result kinds of an update session.
package outcome

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the category of a terminal update outcome
type Kind int

const (
	OK Kind = iota
	NoConnectivity
	NoURLProvided
	InvalidArgument
	RemoteNotFound
	RemoteUnauthorized
	RemoteBadRequest
	NoRegionAvailable
	InsufficientSpace
	ReadFailed
	WriteFailed
	BootSwitchFailed
	NoNewerVersion
	DownloadFailed
	Unknown
)

var kindText = map[Kind]string{
	OK:                 "no error occurred",
	NoConnectivity:     "no network connection",
	NoURLProvided:      "no url provided",
	InvalidArgument:    "invalid argument",
	RemoteNotFound:     "page (url) not found",
	RemoteUnauthorized: "unauthorized access",
	RemoteBadRequest:   "bad request",
	NoRegionAvailable:  "no partition available for update",
	InsufficientSpace:  "insufficient space for update",
	ReadFailed:         "failed to read update data",
	WriteFailed:        "failed to write partition",
	BootSwitchFailed:   "partition not bootable",
	NoNewerVersion:     "no newer version available",
	DownloadFailed:     "download failed",
	Unknown:            "unknown error",
}

func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failure carrying the Kind the caller reacts to
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through to the underlying failure
func (e *Error) Cause() error { return e.Err }

// New returns an Error of kind k with the given message
func New(k Kind, msg string) error {
	return &Error{Kind: k, Err: errors.New(msg)}
}

// Newf is New with formatting
func Newf(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Err: errors.Errorf(format, args...)}
}

// Wrap annotates err with msg and tags it with kind k. A nil err stays nil.
func Wrap(err error, k Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: errors.Wrap(err, msg)}
}

// KindOf reports the Kind of err. nil is OK and untagged errors are Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Unknown
}

// Is reports whether err carries kind k
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
