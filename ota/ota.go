// Package ota sequences an over-the-air update from a URL into a storage
// region and, for firmware, switches the boot target to it.
package ota

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-ota/flash"
	"github.com/synthread/go-ota/outcome"
	"github.com/synthread/go-ota/partition"
	"github.com/synthread/go-ota/transfer"
	"github.com/synthread/go-ota/version"
)

// DefaultVersionCapacity bounds the version file read by the version gate
var DefaultVersionCapacity = 32

var ErrNoDirectory = errors.New("no partition directory configured")

// Config defines the collaborators of an Updater. Only Directory is required.
type Config struct {
	// Directory resolves the regions updates are written to
	Directory partition.Directory

	// Source opens update and version URLs, an HTTPSource by default
	Source transfer.Source

	// Connectivity is checked before any transfer, a LinkMonitor by default
	Connectivity transfer.Connectivity

	// Callbacks receive the session events. OnEnd is only called once the
	// whole update, boot switch included, succeeded.
	Callbacks flash.Callbacks

	// Indicator is toggled while blocks are flashed
	Indicator flash.Indicator

	// VersionCapacity is the buffer capacity for version files
	VersionCapacity int

	Logger logrus.FieldLogger
}

// Updater runs one update session at a time. Callers must not start a second
// update before the first one returned.
type Updater struct {
	dir          partition.Directory
	source       transfer.Source
	connectivity transfer.Connectivity
	flasher      *flash.Flasher
	cb           flash.Callbacks
	versionCap   int
	log          logrus.FieldLogger
}

// New will create an Updater from c, filling in the defaults
func New(c *Config) (*Updater, error) {
	if c == nil || c.Directory == nil {
		return nil, ErrNoDirectory
	}

	u := &Updater{
		dir:          c.Directory,
		source:       c.Source,
		connectivity: c.Connectivity,
		cb:           c.Callbacks,
		versionCap:   c.VersionCapacity,
		log:          c.Logger,
	}

	if u.log == nil {
		u.log = logrus.StandardLogger()
	}
	if u.versionCap == 0 {
		u.versionCap = DefaultVersionCapacity
	}
	if u.source == nil {
		src, err := transfer.NewHTTPSource(&transfer.Config{Logger: u.log})
		if err != nil {
			return nil, err
		}
		u.source = src
	}
	if u.connectivity == nil {
		u.connectivity = &transfer.LinkMonitor{Logger: u.log}
	}

	u.flasher = flash.New(&flash.Config{
		Indicator: c.Indicator,
		Logger:    u.log,
	})

	return u, nil
}

// UpdateFirmware writes the application image at url into the next app slot
// and makes it the boot target. When both versionURL and currentVersion are
// set, the update only runs if the version published at versionURL is newer.
//
// A nil error means the device must be restarted to run the new firmware.
func (u *Updater) UpdateFirmware(ctx context.Context, url, versionURL, currentVersion string) error {
	return u.update(ctx, partition.App, url, versionURL, currentVersion)
}

// UpdateFilesystem writes the filesystem image at url into the data slot.
// The boot target is left alone.
func (u *Updater) UpdateFilesystem(ctx context.Context, url, versionURL, currentVersion string) error {
	return u.update(ctx, partition.Data, url, versionURL, currentVersion)
}

func (u *Updater) update(ctx context.Context, kind partition.Kind, url, versionURL, currentVersion string) error {
	log := u.log.WithFields(logrus.Fields{"url": url, "kind": kind})

	if err := transfer.ValidateURL(url); err != nil {
		return err
	}
	gated := versionURL != "" && currentVersion != ""
	if gated {
		if err := transfer.ValidateURL(versionURL); err != nil {
			return err
		}
	}

	if !u.connectivity.Online() {
		return outcome.New(outcome.NoConnectivity, "no network link is up")
	}

	if gated {
		remote, err := u.FetchVersion(ctx, versionURL, u.versionCap)
		if err != nil {
			return err
		}
		if !version.IsNewer(currentVersion, remote) {
			log.Infof("remote version %s is not newer than %s", remote, currentVersion)
			return outcome.Newf(outcome.NoNewerVersion, "remote %s, running %s", remote, currentVersion)
		}
		log.Infof("updating from %s to %s", currentVersion, remote)
	}

	s := &session{id: uuid.New(), kind: kind}
	s.log = log.WithField("session", s.id.String())

	err := u.run(ctx, s, url)
	if err != nil {
		s.log.Errorf("update failed: %v", err)
		return err
	}

	s.log.Infof("update of %d bytes into %s finished", s.length, s.region.Partition().Label)
	if u.cb.OnEnd != nil {
		u.cb.OnEnd()
	}
	return nil
}

// run performs the session from opening the transfer up to the boot switch.
// Any failure in here is reported to OnError exactly once.
func (u *Updater) run(ctx context.Context, s *session, url string) error {
	fail := func(err error) error {
		if u.cb.OnError != nil {
			u.cb.OnError(outcome.KindOf(err))
		}
		return err
	}

	stream, err := u.source.Open(ctx, url)
	if err != nil {
		return fail(err)
	}
	defer stream.Body.Close()
	s.length = stream.Length

	region, ok := u.dir.Find(s.kind)
	if !ok {
		return fail(outcome.Newf(outcome.NoRegionAvailable, "no %s partition to update", s.kind))
	}
	s.region = region
	s.log = s.log.WithField("partition", region.Partition().Label)

	// nothing is erased before the whole update is known to fit
	free := u.dir.FreeSpace(s.kind)
	if stream.Length > free {
		return fail(outcome.Newf(outcome.InsufficientSpace, "update is %d bytes, %d available", stream.Length, free))
	}

	// flash reports its own aborts to OnError, OnEnd waits for the boot switch
	cb := &flash.Callbacks{
		OnStart:    u.cb.OnStart,
		OnProgress: s.progress(u.cb.OnProgress),
		OnError:    u.cb.OnError,
	}
	if err := u.flasher.Flash(stream.Body, stream.Length, region, cb); err != nil {
		return err
	}

	if s.kind == partition.App {
		if err := CommitBoot(u.dir, region); err != nil {
			return fail(err)
		}
		s.log.Info("boot partition switched, restart required")
	}

	return nil
}
