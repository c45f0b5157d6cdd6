package ota

import (
	"context"
	"io"
	"strings"

	"github.com/synthread/go-ota/outcome"
	"github.com/synthread/go-ota/partition"
)

// Booter selects the region loaded at the next restart
type Booter interface {
	SetNextBoot(r partition.Region) error
}

// CommitBoot marks r as the next boot target. On failure the current boot
// target is left unchanged and the error is of kind BootSwitchFailed.
func CommitBoot(b Booter, r partition.Region) error {
	if r == nil {
		return outcome.New(outcome.BootSwitchFailed, "no region to boot")
	}
	if err := b.SetNextBoot(r); err != nil {
		return outcome.Wrap(err, outcome.BootSwitchFailed, "could not boot "+r.Partition().Label)
	}
	return nil
}

// FetchVersion reads the version string published at url. The declared length
// must be smaller than capacity and only the first line is kept.
func (u *Updater) FetchVersion(ctx context.Context, url string, capacity int) (string, error) {
	if capacity <= 0 {
		return "", outcome.Newf(outcome.InvalidArgument, "invalid version buffer capacity %d", capacity)
	}

	stream, err := u.source.Open(ctx, url)
	if err != nil {
		return "", err
	}
	defer stream.Body.Close()

	if stream.Length >= int64(capacity) {
		return "", outcome.Newf(outcome.InsufficientSpace, "version file is %d bytes, capacity %d", stream.Length, capacity)
	}

	buf := make([]byte, stream.Length)
	if _, err := io.ReadFull(stream.Body, buf); err != nil {
		return "", outcome.Wrap(err, outcome.ReadFailed, "could not read version file")
	}

	line, _, _ := strings.Cut(string(buf), "\n")
	v := strings.TrimSpace(line)
	if v == "" {
		return "", outcome.New(outcome.DownloadFailed, "version file is empty")
	}

	u.log.Debugf("remote version at %s is %s", url, v)
	return v, nil
}
