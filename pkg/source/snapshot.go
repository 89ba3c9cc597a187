package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// ErrTampered is returned when a snapshot archive no longer matches its recorded digest.
var ErrTampered = errors.New("snapshot digest mismatch")

// Snapshotter captures immutable snapshots of the tracked location.
type Snapshotter struct {
	log     logr.Logger
	tracker Tracker
	dir     string
	now     func() time.Time
}

func NewSnapshotter(log logr.Logger, tracker Tracker, dir string) (*Snapshotter, error) {
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "sweeper-snapshots-"); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create snapshot directory: %w", err)
	}

	return &Snapshotter{
		log:     log.WithName("snapshotter"),
		tracker: tracker,
		dir:     dir,
		now:     time.Now,
	}, nil
}

// Capture fetches the tracked location and seals it into a content-addressed archive. Later
// changes to the location never affect a captured snapshot.
func (s *Snapshotter) Capture(ctx context.Context) (*sweeperv1.SourceSnapshot, error) {
	staging, err := os.MkdirTemp("", "source-staging-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	rev, err := s.tracker.Fetch(ctx, staging)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	counter := &countingWriter{}
	if err = Pack(io.MultiWriter(tmp, h, counter), staging, "", nil); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("cannot pack snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return nil, err
	}

	digest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	archive := filepath.Join(s.dir, hex.EncodeToString(h.Sum(nil))+".tar.gz")

	if _, err = os.Stat(archive); errors.Is(err, os.ErrNotExist) {
		if err = os.Chmod(tmp.Name(), 0o400); err != nil {
			return nil, err
		}
		if err = os.Rename(tmp.Name(), archive); err != nil {
			return nil, err
		}
	}

	snap := &sweeperv1.SourceSnapshot{
		Location:   rev.Location,
		Branch:     rev.Branch,
		Revision:   rev.Revision,
		Digest:     digest,
		Archive:    archive,
		Size:       counter.n,
		CapturedAt: s.now(),
	}
	s.log.Info("Captured source snapshot", "location", snap.Location, "revision", snap.Revision, "digest", digest)

	return snap, nil
}

// Verify recomputes the digest of a snapshot archive.
func Verify(snap *sweeperv1.SourceSnapshot) error {
	if snap == nil {
		return errors.New("snapshot is nil")
	}

	f, err := os.Open(snap.Archive)
	if err != nil {
		return fmt.Errorf("cannot open snapshot: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return err
	}
	if actual := "sha256:" + hex.EncodeToString(h.Sum(nil)); actual != snap.Digest {
		return fmt.Errorf("%w: expected %s, found %s", ErrTampered, snap.Digest, actual)
	}

	return nil
}

// Extract verifies a snapshot and unpacks it into dst.
func Extract(snap *sweeperv1.SourceSnapshot, dst string) error {
	if err := Verify(snap); err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	return extract(snap.Archive, dst)
}

// Remove deletes a snapshot archive once no run references it.
func Remove(snap *sweeperv1.SourceSnapshot) error {
	if snap == nil || snap.Archive == "" {
		return nil
	}
	if err := os.Remove(snap.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
