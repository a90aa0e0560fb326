package orchestrator

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"kiln/internal/wireclient"
	"kiln/internal/workspace"
)

// FileReader abstracts reading a to-save unit's files off disk, the
// inverse of FileWriter.
type FileReader interface {
	ReadFile(absPath string) ([]byte, error)
}

// ToSaveUnit is one unit the save pipeline needs to upload: its SavedUnit
// payload plus the absolute paths of the files its descriptors reference
// (already portability-qualified in the descriptors themselves).
type ToSaveUnit struct {
	Unit          workspace.SavedUnit
	AbsPathByBlob map[string]string // blob key -> absolute source path
}

// SaveProgress is polled by the async-upload status endpoint.
type SaveProgress struct {
	UploadedUnits int
	TotalUnits    int
	UploadedBytes int64
	UploadedFiles int
}

// Save implements the save pipeline: diff expected vs already-restored
// (the caller passes only the to-save set, computed as expected minus
// restored), upload each unit's files via bulk write — skipping keys the
// org already holds — then record each unit via cargo/save.
func (o *Orchestrator) Save(ctx context.Context, toSave []ToSaveUnit, alreadyHeld map[string]bool, reader FileReader, progress *atomicProgress) error {
	if progress != nil {
		progress.setTotal(len(toSave))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.outerLimit)

	var mu sync.Mutex
	var units []workspace.SavedUnit

	for _, u := range toSave {
		u := u
		g.Go(func() error {
			entries, err := o.readUnitFiles(gctx, u, alreadyHeld, reader)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				if _, err := o.client.BulkWrite(gctx, entries); err != nil {
					return err
				}
			}

			mu.Lock()
			units = append(units, u.Unit)
			mu.Unlock()

			if progress != nil {
				var bytes int64
				for _, e := range entries {
					bytes += int64(len(e.Content))
				}
				progress.add(1, bytes, len(entries))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Info.UnitHash < units[j].Info.UnitHash })
	return o.client.CargoSave(ctx, units)
}

func (o *Orchestrator) readUnitFiles(ctx context.Context, u ToSaveUnit, alreadyHeld map[string]bool, reader FileReader) ([]wireclient.BulkEntry, error) {
	descriptors := u.Unit.FileDescriptors()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.innerLimit)
	entries := make([]wireclient.BulkEntry, len(descriptors))
	for i, d := range descriptors {
		i, d := i, d
		if alreadyHeld[d.BlobKey] {
			continue
		}
		g.Go(func() error {
			absPath := u.AbsPathByBlob[d.BlobKey]
			content, err := reader.ReadFile(absPath)
			if err != nil {
				return err
			}
			entries[i] = wireclient.BulkEntry{Key: d.BlobKey, Content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if e.Key != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// atomicProgress is the mutex-guarded counter the async-upload status
// endpoint reads from a different goroutine than the one advancing it.
type atomicProgress struct {
	mu   sync.Mutex
	data SaveProgress
}

func NewProgress() *atomicProgress { return &atomicProgress{} }

func (p *atomicProgress) setTotal(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.TotalUnits = n
}

func (p *atomicProgress) add(units int, bytes int64, files int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.UploadedUnits += units
	p.data.UploadedBytes += bytes
	p.data.UploadedFiles += files
}

func (p *atomicProgress) Snapshot() SaveProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}
