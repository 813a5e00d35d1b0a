package activation

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/policy"
)

// MinOrphanSize is the smallest quarantine file worth recovering.
const MinOrphanSize = 16

// RecoveryReport summarizes a quarantine scan.
type RecoveryReport struct {
	Requeued int
	Dropped  int
}

// RecoverOrphans scans the quarantine left behind by a previous run and
// re-enqueues what it finds. Files too small to be real and staging
// leftovers are deleted; files whose name is not a hash are hashed and
// renamed to canonical form. It only does work on its first call.
func (a *Activator) RecoverOrphans(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	var walkErr error
	a.recoverOnce.Do(func() {
		walkErr = filepath.WalkDir(a.quarantine, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				a.log.Warn(ctx, "quarantine scan error", "path", path, "err", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			switch a.recoverOne(ctx, path) {
			case orphanRequeued:
				rep.Requeued++
			case orphanDropped:
				rep.Dropped++
			}
			return nil
		})
	})
	if rep.Requeued+rep.Dropped > 0 {
		a.log.Info(ctx, "quarantine orphans recovered", "requeued", rep.Requeued, "dropped", rep.Dropped)
	}
	return rep, walkErr
}

type orphanOutcome int

const (
	orphanSkipped orphanOutcome = iota
	orphanRequeued
	orphanDropped
)

func (a *Activator) recoverOne(ctx context.Context, path string) orphanOutcome {
	drop := func(reason string) orphanOutcome {
		a.log.Debug(ctx, "dropping quarantine orphan", "path", path, "reason", reason)
		if err := filex.RemoveIfExists(path); err != nil {
			a.log.Warn(ctx, "remove orphan failed", "path", path, "err", err)
		}
		return orphanDropped
	}

	if filex.IsTempName(path) {
		return drop("staging leftover")
	}
	size, ok := filex.Exists(path)
	if !ok {
		return orphanSkipped
	}
	if size < MinOrphanSize {
		return drop("too small")
	}

	h, ext, named := contenthash.FromFileName(filepath.Base(path))
	if !named {
		ext = policy.Ext(path)
		sum, _, err := contenthash.FromFile(path)
		if err != nil {
			return drop("unreadable")
		}
		h = sum
		canonical := a.QuarantinePathFor(h, ext)
		if canonical != path {
			if err := os.Rename(path, canonical); err != nil {
				a.log.Warn(ctx, "rename orphan failed", "path", path, "err", err)
				return orphanSkipped
			}
			path = canonical
		}
	}

	if a.IsPending(h) {
		return orphanSkipped
	}

	final := a.cache.PathFor(h, ext)
	class := policy.Classify(final)
	queued := a.Enqueue(ctx, PendingFile{
		QuarantinePath: path,
		FinalPath:      final,
		Hash:           h,
		HardDelay:      class == policy.HardDelayed,
		SoftDelay:      class == policy.SoftDelayed,
	})
	if !queued {
		return orphanSkipped
	}
	return orphanRequeued
}
