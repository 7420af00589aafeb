// Package postproc finalizes successful encodes: it verifies the output,
// moves it over the original (handling cross-device temp space), refreshes
// the video row from a fresh probe, and notifies the owning library.
package postproc

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/probe"
	"github.com/branport/shrinkd/internal/store"
	"github.com/branport/shrinkd/internal/xerrors"
)

// Prober re-probes the committed file for fresh attributes.
type Prober interface {
	Probe(ctx context.Context, path string) (*probe.Result, error)
}

// Notifier tells the external library source a file changed. Implementations
// retry transient errors themselves; Rescan never blocks the commit.
type Notifier interface {
	Rescan(v *media.Video)
}

// PostProcessor commits encode results.
type PostProcessor struct {
	store    *store.Store
	prober   Prober
	notifier Notifier
}

// New builds a PostProcessor. notifier may be nil when no library sources
// are configured.
func New(st *store.Store, prober Prober, notifier Notifier) *PostProcessor {
	return &PostProcessor{store: st, prober: prober, notifier: notifier}
}

// Commit replaces the original file with the encode output and advances the
// video to encoded. The move counts against the encode stage's capacity, so
// it runs synchronously in the processor slot.
func (p *PostProcessor) Commit(ctx context.Context, v *media.Video, tmpPath string) error {
	logger := log.WithComponent("postproc")

	info, err := os.Stat(tmpPath)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPostProcess, "encode output missing", err)
	}
	if info.Size() == 0 {
		return xerrors.New(xerrors.KindPostProcess, "encode output is empty")
	}

	if err := moveFile(tmpPath, v.Path); err != nil {
		return err
	}

	// Refresh size, bitrate and codec lists from the committed file.
	res, err := p.prober.Probe(ctx, v.Path)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPostProcess, "re-probe committed file", err)
	}
	if err := p.store.UpdateFileAttributes(ctx, v.ID, res.Size, res.Bitrate, res.AudioCodecs, res.VideoCodecs); err != nil {
		return xerrors.Wrap(xerrors.KindPostProcess, "persist committed attributes", err)
	}

	if err := p.store.Transition(ctx, v.ID, media.StateCRFSearched, media.StateEncoded); err != nil {
		return xerrors.Wrap(xerrors.KindPostProcess, "advance to encoded", err)
	}

	logger.Info().
		Int64("video", v.ID).
		Int64("old_size", v.Size).
		Int64("new_size", res.Size).
		Msg("encode committed")

	if p.notifier != nil {
		p.notifier.Rescan(v)
	}
	return nil
}

// CleanupFailure removes the temp output after a failed encode. The temp
// space is disposable; a missing file is fine.
func (p *PostProcessor) CleanupFailure(v *media.Video, tmpPath string) {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger := log.WithComponent("postproc")
		logger.Warn().
			Err(err).Int64("video", v.ID).Str("path", tmpPath).
			Msg("temp cleanup failed")
	}
}

// moveFile renames when source and destination share a filesystem and
// falls back to copy-then-unlink across devices. A partial destination is
// removed on any copy error.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return xerrors.Wrap(xerrors.KindPostProcess, "rename encode output", err)
	}
	return copyThenUnlink(src, dst)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && errors.Is(linkErr.Err, unix.EXDEV)
}

func copyThenUnlink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPostProcess, "open encode output", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.KindPostProcess, "create destination", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return xerrors.Wrap(xerrors.KindPostProcess, "copy across devices", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return xerrors.Wrap(xerrors.KindPostProcess, "sync destination", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return xerrors.Wrap(xerrors.KindPostProcess, "close destination", err)
	}

	if err := os.Remove(src); err != nil {
		logger := log.WithComponent("postproc")
		logger.Warn().Err(err).Str("path", src).Msg("source unlink failed")
	}
	return nil
}
