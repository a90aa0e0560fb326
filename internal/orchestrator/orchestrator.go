// Package orchestrator drives the client-side restore and save pipelines
// against the wire client, with bounded fan-out across units and their
// files (spec component C8).
package orchestrator

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"kiln/internal/kilnerr"
	"kiln/internal/portability"
	"kiln/internal/wireclient"
	"kiln/internal/workspace"
)

// Default fan-out limits per spec.md §5: 10 units concurrently, up to 100
// files per unit concurrently.
const (
	DefaultOuterLimit = 10
	DefaultInnerLimit = 100
)

// Orchestrator runs restore/save pipelines for one build against one
// kilnd instance.
type Orchestrator struct {
	client     *wireclient.Client
	roots      portability.Roots
	profileDir string
	outerLimit int
	innerLimit int
}

func New(client *wireclient.Client, roots portability.Roots) *Orchestrator {
	return &Orchestrator{client: client, roots: roots, outerLimit: DefaultOuterLimit, innerLimit: DefaultInnerLimit}
}

// WithProfileDir sets the target/<profile> directory a restore should
// materialize fingerprint/dep-info/build-script-output artifacts into,
// alongside the declared output files. Left unset, Restore still writes the
// declared output files but skips this materialization — the daemon's
// save-only Orchestrator never calls Restore, so it never needs a
// profileDir.
func (o *Orchestrator) WithProfileDir(dir string) *Orchestrator {
	o.profileDir = dir
	return o
}

// FileWriter abstracts the filesystem operations a restored unit's files
// need, so the pipeline is testable without touching disk.
type FileWriter interface {
	WriteFile(absPath string, content []byte, mtimeNanos int64, executable bool) error
}

// RestoreResult reports which of the requested unit hashes were restored
// and which were not found in the cache.
type RestoreResult struct {
	Restored map[string]workspace.SavedUnit
	Missing  []string
}

// Restore implements the restore pipeline: ask for the expected units,
// fetch their file contents in bounded batches, and write each unit's
// files. Units must be supplied in topological order (library deps before
// dependents) — ordering invariant F3 — since the fingerprint dependency
// rewrite map is populated incrementally as units are processed in order.
func (o *Orchestrator) Restore(ctx context.Context, unitHashes []string, hostLibc string, fw FileWriter) (RestoreResult, error) {
	restored, err := o.client.CargoRestore(ctx, unitHashes, hostLibc)
	if err != nil {
		return RestoreResult{}, err
	}

	missing := make([]string, 0, len(unitHashes))
	for _, h := range unitHashes {
		if _, ok := restored[h]; !ok {
			missing = append(missing, h)
		}
	}

	// Fingerprint rewriting must observe dependency-topological order (F3):
	// a dependent unit's RewriteDeps needs its dependency's new hash already
	// recorded in oldToNew. File I/O for unrelated units still fans out
	// freely, so index each unit's pre-rewrite hash and its producer unit up
	// front, then have each unit's rewrite step wait on its producers'
	// completion signals rather than serializing the whole pipeline.
	unitByOldHash := make(map[uint64]string, len(restored))
	for hash, unit := range restored {
		if fp := unit.Fingerprint(); fp != nil {
			unitByOldHash[fp.Hash()] = hash
		}
	}
	done := make(map[string]chan struct{}, len(restored))
	for hash := range restored {
		done[hash] = make(chan struct{})
	}

	oldToNew := map[uint64]uint64{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.outerLimit)
	for _, hash := range unitHashes {
		unit, ok := restored[hash]
		if !ok {
			continue
		}
		hash, unit := hash, unit
		g.Go(func() error {
			defer close(done[hash])
			if err := o.restoreUnitFiles(gctx, unit, fw); err != nil {
				return err
			}
			return o.rewriteUnitFingerprint(gctx, unit, unitByOldHash, done, oldToNew, &mu)
		})
	}
	if err := g.Wait(); err != nil {
		return RestoreResult{}, err
	}

	return RestoreResult{Restored: restored, Missing: missing}, nil
}

func (o *Orchestrator) restoreUnitFiles(ctx context.Context, unit workspace.SavedUnit, fw FileWriter) error {
	descriptors := unit.FileDescriptors()

	keys := make([]string, len(descriptors))
	for i, d := range descriptors {
		keys[i] = d.BlobKey
	}

	entries, err := o.client.BulkRead(ctx, keys, false)
	if err != nil {
		return err
	}
	byKey := make(map[string][]byte, len(entries))
	for _, e := range entries {
		byKey[e.Key] = e.Content
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.innerLimit)
	for _, d := range descriptors {
		d := d
		g.Go(func() error {
			content, ok := byKey[d.BlobKey]
			if !ok {
				return kilnerr.New(kilnerr.NotFound, "orchestrator.restoreUnit", errMissingBlob(d.BlobKey))
			}
			return fw.WriteFile(d.PortablePath.Resolve(o.roots), content, d.MtimeNanos, d.Executable)
		})
	}
	return g.Wait()
}

// rewriteUnitFingerprint waits for every producer unit referenced by this
// unit's dependency list to finish its own rewrite (signaled by its done
// channel closing), then applies F-rewrite and records this unit's own
// old→new mapping before returning.
func (o *Orchestrator) rewriteUnitFingerprint(ctx context.Context, unit workspace.SavedUnit, unitByOldHash map[uint64]string, done map[string]chan struct{}, oldToNew map[uint64]uint64, mu *sync.Mutex) error {
	fp := unit.Fingerprint()
	if fp == nil {
		return nil
	}

	for _, d := range fp.Deps {
		depUnit, ok := unitByOldHash[d.InnerFingerprintHash]
		if !ok {
			continue
		}
		select {
		case <-done[depUnit]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	mu.Lock()
	defer mu.Unlock()

	oldHash := fp.Hash()
	if unit.SrcPath != "" {
		fp.SetPath(portability.DecodeQualifiedPath(unit.SrcPath).Resolve(o.roots))
	}
	if err := fp.RewriteDeps(oldToNew); err != nil {
		return err
	}
	oldToNew[oldHash] = fp.Hash()

	if o.profileDir != "" {
		o.materializeUnitArtifacts(unit, fp)
	}
	return nil
}

// materializeUnitArtifacts writes a restored unit's dep-info,
// encoded-dep-info, build-script stdout/stderr, and post-rewrite
// fingerprint JSON/hash files back to the locations cargo itself would have
// left them in, so the next real cargo invocation sees a fingerprint that
// matches its cached outputs instead of finding nothing and rebuilding.
// Best-effort: a write failure here doesn't fail the restore, since the
// unit's actual output files (already written by restoreUnitFiles) are
// what cargo's own up-to-date check examines first.
func (o *Orchestrator) materializeUnitArtifacts(unit workspace.SavedUnit, fp *portability.Fingerprint) {
	writeText := func(path, content string) {
		if path == "" || content == "" {
			return
		}
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
		_ = os.WriteFile(path, []byte(content), 0o644)
	}
	writeFingerprint := func(jsonPath, hashPath string) {
		if jsonPath == "" {
			return
		}
		raw, err := fp.RenderJSON()
		if err != nil {
			return
		}
		writeText(jsonPath, string(raw))
		writeText(hashPath, fp.HashFileContents())
	}

	switch unit.Kind {
	case workspace.LibraryCrate:
		if unit.Library == nil {
			return
		}
		depInfoPath, encodedPath, jsonPath, hashPath := workspace.LibraryFingerprintPaths(o.profileDir, unit.Info.PackageName, unit.Info.CrateName, unit.Info.UnitHash)
		writeText(depInfoPath, portability.Render(portability.DecodeDepInfo(unit.Library.RustcDepInfo), o.roots))
		writeEncodedDepInfo(encodedPath, unit.Library.EncodedDepInfo)
		writeFingerprint(jsonPath, hashPath)
	case workspace.BuildScriptCompilation:
		if unit.BuildScript == nil {
			return
		}
		_, _, depInfoPath, encodedPath, jsonPath, hashPath := workspace.BuildScriptCompilationPaths(o.profileDir, unit.Info.PackageName, unit.Info.UnitHash)
		writeText(depInfoPath, portability.Render(portability.DecodeDepInfo(unit.BuildScript.RustcDepInfo), o.roots))
		writeEncodedDepInfo(encodedPath, unit.BuildScript.EncodedDepInfo)
		writeFingerprint(jsonPath, hashPath)
	case workspace.BuildScriptExecution:
		if unit.BuildOutput == nil {
			return
		}
		_, stdoutPath, stderrPath, jsonPath, hashPath := workspace.BuildScriptExecutionPaths(o.profileDir, unit.Info.PackageName, unit.Info.UnitHash, unit.BuildScriptProgramName)
		writeText(stdoutPath, portability.ResolveBuildScriptStdout(unit.BuildOutput.Stdout, o.roots))
		writeText(stderrPath, portability.ResolveBuildScriptStdout(unit.BuildOutput.Stderr, o.roots))
		writeFingerprint(jsonPath, hashPath)
	}
}

func writeEncodedDepInfo(path, encoded string) {
	if path == "" || encoded == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, raw, 0o644)
}

type errMissingBlob string

func (e errMissingBlob) Error() string { return "orchestrator: missing blob " + string(e) }
