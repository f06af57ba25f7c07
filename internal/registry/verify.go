package registry

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lagret/lagret/internal/crate"
	"github.com/lagret/lagret/internal/index"
	"github.com/lagret/lagret/internal/keys"
	"github.com/lagret/lagret/internal/storage"
)

// Problem describes one archive that failed verification.
type Problem struct {
	Name    string
	Version string
	Key     string
	Reason  string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %s (%s): %s", p.Name, p.Version, p.Key, p.Reason)
}

// VerifyReport summarizes a verification run.
type VerifyReport struct {
	Checked  int
	Problems []Problem
	Duration time.Duration
}

// OK reports whether every archive matched its recorded checksum.
func (r VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// VerifyArchives downloads the archive of every release in idx and compares
// its sha256 against the index checksum. Per-archive failures become
// problems in the report; only cancellation fails the run.
func VerifyArchives(ctx context.Context, store storage.ObjectStore, idx *index.Index, concurrency int) (VerifyReport, error) {
	start := time.Now()
	releases := idx.Releases()
	problems := make([]*Problem, len(releases))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = DefaultBootstrapConcurrency
	}
	g.SetLimit(concurrency)
	for i, rel := range releases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			problems[i] = verifyArchive(gctx, store, rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return VerifyReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{Checked: len(releases), Duration: time.Since(start)}
	for _, p := range problems {
		if p != nil {
			report.Problems = append(report.Problems, *p)
		}
	}
	return report, nil
}

func verifyArchive(ctx context.Context, store storage.ObjectStore, rel crate.Release) *Problem {
	name, vers := rel.Entry.Name, rel.Entry.Vers
	key := keys.ArchiveKey(name, vers)
	problem := func(format string, args ...any) *Problem {
		return &Problem{Name: name, Version: vers, Key: key, Reason: fmt.Sprintf(format, args...)}
	}

	data, err := storage.ReadAll(ctx, store, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return problem("archive missing")
		}
		return problem("fetching archive: %v", err)
	}
	if rel.ArchiveSize > 0 && int64(len(data)) != rel.ArchiveSize {
		return problem("size %d, recorded %d", len(data), rel.ArchiveSize)
	}
	if sum := Checksum(data); sum != rel.Entry.Cksum {
		return problem("checksum %s, recorded %s", sum, rel.Entry.Cksum)
	}
	return nil
}
