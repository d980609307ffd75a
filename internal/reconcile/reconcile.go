// Package reconcile mirrors the Jamf Pro package catalog into a storage
// backend: it lists remote packages, compares md5 checksums with the
// destination, downloads new or changed files and deletes files that are no
// longer in the catalog.
package reconcile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/jamf"
	"github.com/fruitsalade/jamfsync/internal/logging"
	"github.com/fruitsalade/jamfsync/internal/metrics"
	"github.com/fruitsalade/jamfsync/internal/storage"
)

var (
	// ErrSyncInProgress is returned by Sync when another cycle is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnsafeName is wrapped when the catalog holds a file name that
	// cannot be mirrored safely.
	ErrUnsafeName = errors.New("unsafe package file name")
)

// Source is the remote side of the mirror. *jamf.Client implements it; both
// calls authenticate lazily.
type Source interface {
	ListPackages(ctx context.Context) ([]jamf.Package, error)
	Download(ctx context.Context, fileName string) (io.ReadCloser, int64, error)
}

// Report summarizes one applied plan.
type Report struct {
	CycleID    string
	Downloaded int
	Updated    int
	Deleted    int
	Unchanged  int
	Vanished   int // deletes that found the entry already gone
	Bytes      int64
	Duration   time.Duration
}

// Reconciler owns one source/destination pair. Sync is non-reentrant.
type Reconciler struct {
	source Source
	dest   storage.Backend

	running sync.Mutex
}

// New creates a Reconciler.
func New(source Source, dest storage.Backend) *Reconciler {
	return &Reconciler{source: source, dest: dest}
}

// Sync runs one full cycle. It returns ErrSyncInProgress without doing
// anything if a cycle is already running. Any list or download failure
// aborts the cycle; the returned report covers the work done until then.
func (r *Reconciler) Sync(ctx context.Context) (*Report, error) {
	if !r.running.TryLock() {
		metrics.RecordSyncSkipped()
		return nil, ErrSyncInProgress
	}
	defer r.running.Unlock()

	cycleID := logging.NewCycleID()
	ctx = logging.WithCycleID(ctx, cycleID)
	log := logging.WithContext(ctx)
	start := time.Now()

	log.Info("sync started", zap.String("destination", r.dest.Type()))

	report, err := r.sync(ctx)
	report.CycleID = cycleID
	report.Duration = time.Since(start)
	metrics.RecordSyncCycle(report.Duration, err == nil)

	if err != nil {
		log.Error("sync failed", zap.Error(err), zap.Duration("duration", report.Duration))
		return report, err
	}

	log.Info("sync completed",
		zap.Int("downloaded", report.Downloaded),
		zap.Int("updated", report.Updated),
		zap.Int("deleted", report.Deleted),
		zap.Int("unchanged", report.Unchanged),
		zap.Int64("bytes", report.Bytes),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Reconciler) sync(ctx context.Context) (*Report, error) {
	plan, err := r.Plan(ctx)
	if err != nil {
		return &Report{}, err
	}
	return r.Apply(ctx, plan)
}

// Plan lists the catalog and the destination and works out what has to
// change. It does not modify the destination.
func (r *Reconciler) Plan(ctx context.Context) (*Plan, error) {
	log := logging.WithContext(ctx)

	packages, err := r.source.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch packages: %w", err)
	}
	metrics.SetCatalogSize(len(packages))

	plan := &Plan{SyncSet: make(map[string]struct{}, len(packages))}
	for _, pkg := range packages {
		if err := checkName(pkg.FileName); err != nil {
			return nil, fmt.Errorf("package %q: %w", pkg.PackageName, err)
		}
		if _, dup := plan.SyncSet[pkg.FileName]; dup {
			log.Warn("duplicate file name in catalog, keeping the first entry",
				zap.String("file", pkg.FileName),
				zap.String("package", pkg.PackageName))
			continue
		}
		plan.SyncSet[pkg.FileName] = struct{}{}

		remote := pkg.Checksum()
		local, exists, err := r.dest.Hash(ctx, pkg.FileName)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", pkg.FileName, err)
		}

		action := Action{Name: pkg.FileName, Package: pkg, LocalMD5: local, RemoteMD5: remote}
		switch {
		case !exists:
			action.Kind = ActionDownload
		case local != remote:
			action.Kind = ActionUpdate
		default:
			action.Kind = ActionSkip
		}

		if exists {
			log.Debug("compared package checksum",
				zap.String("package", pkg.PackageName),
				zap.String("local_md5", local),
				zap.String("remote_md5", remote))
		}
		plan.Actions = append(plan.Actions, action)
	}

	names, err := r.dest.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list destination: %w", err)
	}
	for _, name := range names {
		if _, ok := plan.SyncSet[name]; ok || isHidden(name) {
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionDelete, Name: name})
	}

	return plan, nil
}

// Apply executes a plan in order and stops at the first error, except for
// deletes of entries that have already disappeared.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan) (*Report, error) {
	log := logging.WithContext(ctx)
	report := &Report{}

	for _, a := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		switch a.Kind {
		case ActionSkip:
			report.Unchanged++
			continue

		case ActionDownload, ActionUpdate:
			if a.Kind == ActionUpdate {
				log.Info("updating file", zap.String("file", a.Name), zap.String("package", a.Package.PackageName))
			} else {
				log.Info("downloading new file", zap.String("file", a.Name), zap.String("package", a.Package.PackageName))
			}
			n, err := r.fetch(ctx, a)
			report.Bytes += n
			if err != nil {
				return report, err
			}
			if a.Kind == ActionUpdate {
				report.Updated++
			} else {
				report.Downloaded++
			}

		case ActionDelete:
			log.Info("deleting outdated file", zap.String("file", a.Name))
			if err := r.dest.Delete(ctx, a.Name); err != nil {
				if errors.Is(err, storage.ErrNotExist) {
					log.Warn("file vanished before deletion", zap.String("file", a.Name), zap.Error(err))
					report.Vanished++
					continue
				}
				return report, fmt.Errorf("delete %s: %w", a.Name, err)
			}
			report.Deleted++

		default:
			return report, fmt.Errorf("unknown action %q for %s", a.Kind, a.Name)
		}

		metrics.RecordAction(string(a.Kind))
	}

	return report, nil
}

// fetch streams one package from the source into the destination and
// checks the written bytes against the catalog checksum.
func (r *Reconciler) fetch(ctx context.Context, a Action) (int64, error) {
	body, size, err := r.source.Download(ctx, a.Name)
	if err != nil {
		metrics.RecordDownload(0, false)
		return 0, fmt.Errorf("download %s: %w", a.Name, err)
	}
	defer body.Close()

	h := md5.New()
	n, err := r.dest.Put(ctx, a.Name, io.TeeReader(body, h), size, a.RemoteMD5)
	if err != nil {
		metrics.RecordDownload(n, false)
		return n, fmt.Errorf("download %s: %w", a.Name, err)
	}
	metrics.RecordDownload(n, true)

	got := hex.EncodeToString(h.Sum(nil))
	log := logging.WithContext(ctx)
	if a.RemoteMD5 != "" && got != a.RemoteMD5 {
		// The next cycle will see the mismatch and fetch it again.
		log.Warn("downloaded file does not match catalog checksum",
			zap.String("file", a.Name),
			zap.String("local_md5", got),
			zap.String("remote_md5", a.RemoteMD5))
	}
	log.Info("downloaded file", zap.String("file", a.Name), zap.Int64("bytes", n))
	return n, nil
}
