// Package transfer opens the byte streams updates are read from.
package transfer

import (
	"context"
	"io"
	"time"
)

const (
	// MaxURLLength is the longest accepted update or version URL
	MaxURLLength = 256
	// MaxCACertLength bounds the PEM text of a pinned CA certificate
	MaxCACertLength = 4096

	MinTimeout     = 50 * time.Millisecond
	MaxTimeout     = 60 * time.Second
	DefaultTimeout = 8 * time.Second
)

var DefaultUserAgent = "go-ota"

// Stream is an opened transfer of known length
type Stream struct {
	Body   io.ReadCloser
	Length int64
}

// Source opens the update stream behind a URL
type Source interface {
	Open(ctx context.Context, url string) (*Stream, error)
}

// Connectivity reports whether the device has a usable network link
type Connectivity interface {
	Online() bool
}
