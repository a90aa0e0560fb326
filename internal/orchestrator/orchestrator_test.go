package orchestrator_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"kiln/internal/api"
	"kiln/internal/auth"
	"kiln/internal/blobstore"
	"kiln/internal/config"
	"kiln/internal/orchestrator"
	"kiln/internal/portability"
	"kiln/internal/store"
	"kiln/internal/wireclient"
	"kiln/internal/workspace"
)

func newTestClient(t *testing.T) *wireclient.Client {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateAccount(context.Background(), 1, 7, auth.HashToken("raw-token")))

	authSvc, err := auth.NewService(st, time.Hour, 10, 1000)
	require.NoError(t, err)
	blobs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)

	srv := api.New(config.Config{}, authSvc, blobs, st, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	client := wireclient.New(ts.URL)
	require.NoError(t, client.Authenticate(context.Background(), "raw-token", 7))
	return client
}

func keyOf(b []byte) string {
	k := blobstore.Key(blake3.Sum256(b))
	return k.String()
}

type memFileWriter struct {
	mu      sync.Mutex
	written map[string][]byte
}

func newMemFileWriter() *memFileWriter {
	return &memFileWriter{written: map[string][]byte{}}
}

func (w *memFileWriter) WriteFile(absPath string, content []byte, _ int64, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written[absPath] = content
	return nil
}

type memFileReader struct {
	content map[string][]byte
}

func (r *memFileReader) ReadFile(absPath string) ([]byte, error) {
	c, ok := r.content[absPath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", absPath)
	}
	return c, nil
}

func roots() portability.Roots {
	return portability.Roots{TargetProfileDir: "/ws/target/release", CargoHomeDir: "/home/user/.cargo"}
}

func TestRestoreWritesFilesAndReportsMissing(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	content := []byte("liblib.rlib contents")
	key := keyOf(content)
	_, err := client.BulkWrite(ctx, []wireclient.BulkEntry{{Key: key, Content: content}})
	require.NoError(t, err)

	path := portability.Qualify("/ws/target/release/deps/liblib.rlib", roots())
	unit := workspace.SavedUnit{
		Kind: workspace.LibraryCrate,
		Info: workspace.UnitInfo{UnitHash: "h1", PackageName: "lib", Target: "x86_64"},
		Library: &workspace.LibraryFiles{
			OutputFiles: []workspace.FileDescriptor{
				{PortablePath: path, BlobKey: key, Executable: false},
			},
		},
	}
	require.NoError(t, client.CargoSave(ctx, []workspace.SavedUnit{unit}))

	o := orchestrator.New(client, roots())
	fw := newMemFileWriter()

	result, err := o.Restore(ctx, []string{"h1", "h-missing"}, "", fw)
	require.NoError(t, err)
	require.Contains(t, result.Restored, "h1")
	require.Equal(t, []string{"h-missing"}, result.Missing)
	require.Equal(t, content, fw.written["/ws/target/release/deps/liblib.rlib"])
}

// TestRestoreRewritesDiamondDependenciesInTopologicalOrder exercises the S5
// scenario: A depends on B and C, both of which depend on D. Fingerprint
// rewriting fans out across units concurrently (bounded by outerLimit), so
// this guards against a regression where a dependent's RewriteDeps races
// ahead of its dependency's own rewrite and spuriously fails with
// DependencyFingerprintMissing.
func TestRestoreRewritesDiamondDependenciesInTopologicalOrder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	fpD := &portability.Fingerprint{RustcVersionHash: 1}
	dOldHash := fpD.Hash()
	fpB := &portability.Fingerprint{RustcVersionHash: 2, Deps: []portability.DepRef{{PkgID: "d", Name: "d", InnerFingerprintHash: dOldHash}}}
	fpC := &portability.Fingerprint{RustcVersionHash: 3, Deps: []portability.DepRef{{PkgID: "d", Name: "d", InnerFingerprintHash: dOldHash}}}
	bOldHash := fpB.Hash()
	cOldHash := fpC.Hash()
	fpA := &portability.Fingerprint{
		RustcVersionHash: 4,
		Deps: []portability.DepRef{
			{PkgID: "b", Name: "b", InnerFingerprintHash: bOldHash},
			{PkgID: "c", Name: "c", InnerFingerprintHash: cOldHash},
		},
	}

	mkLib := func(hash string, fp *portability.Fingerprint) workspace.SavedUnit {
		return workspace.SavedUnit{
			Kind:    workspace.LibraryCrate,
			Info:    workspace.UnitInfo{UnitHash: hash, PackageName: hash, Target: "x86_64"},
			SrcPath: "/ws/" + hash + "/src/lib.rs",
			Library: &workspace.LibraryFiles{Fingerprint: fp},
		}
	}

	units := []workspace.SavedUnit{mkLib("d", fpD), mkLib("b", fpB), mkLib("c", fpC), mkLib("a", fpA)}
	require.NoError(t, client.CargoSave(ctx, units))

	o := orchestrator.New(client, roots())
	fw := newMemFileWriter()

	result, err := o.Restore(ctx, []string{"a", "b", "c", "d"}, "", fw)
	require.NoError(t, err)
	require.Len(t, result.Restored, 4)
	require.Empty(t, result.Missing)

	dNew := result.Restored["d"].Library.Fingerprint.Hash()
	bNew := result.Restored["b"].Library.Fingerprint.Hash()
	cNew := result.Restored["c"].Library.Fingerprint.Hash()
	for _, dep := range result.Restored["b"].Library.Fingerprint.Deps {
		require.Equal(t, dNew, dep.InnerFingerprintHash)
	}
	for _, dep := range result.Restored["c"].Library.Fingerprint.Deps {
		require.Equal(t, dNew, dep.InnerFingerprintHash)
	}
	depHashes := map[uint64]bool{}
	for _, dep := range result.Restored["a"].Library.Fingerprint.Deps {
		depHashes[dep.InnerFingerprintHash] = true
	}
	require.True(t, depHashes[bNew])
	require.True(t, depHashes[cNew])
}

func TestSaveUploadsFilesAndRecordsUnits(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	content := []byte("freshly built binary")
	key := keyOf(content)
	path := portability.Qualify("/ws/target/release/deps/prog", roots())

	unit := workspace.SavedUnit{
		Kind: workspace.BuildScriptCompilation,
		Info: workspace.UnitInfo{UnitHash: "h2", PackageName: "build", Target: "x86_64"},
		BuildScript: &workspace.CompiledFiles{
			CompiledProgram: workspace.FileDescriptor{PortablePath: path, BlobKey: key, Executable: true},
		},
	}

	o := orchestrator.New(client, roots())
	reader := &memFileReader{content: map[string][]byte{"/ws/target/release/deps/prog": content}}
	progress := orchestrator.NewProgress()

	toSave := []orchestrator.ToSaveUnit{
		{Unit: unit, AbsPathByBlob: map[string]string{key: "/ws/target/release/deps/prog"}},
	}
	err := o.Save(ctx, toSave, map[string]bool{}, reader, progress)
	require.NoError(t, err)

	snap := progress.Snapshot()
	require.Equal(t, 1, snap.UploadedUnits)
	require.Equal(t, 1, snap.TotalUnits)
	require.Equal(t, int64(len(content)), snap.UploadedBytes)

	restored, err := client.CargoRestore(ctx, []string{"h2"}, "")
	require.NoError(t, err)
	require.Contains(t, restored, "h2")
}

func TestSaveSkipsFilesAlreadyHeld(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	key := keyOf([]byte("already uploaded"))
	path := portability.Qualify("/ws/target/release/deps/skip", roots())
	unit := workspace.SavedUnit{
		Kind: workspace.LibraryCrate,
		Info: workspace.UnitInfo{UnitHash: "h3", PackageName: "skip", Target: "x86_64"},
		Library: &workspace.LibraryFiles{
			OutputFiles: []workspace.FileDescriptor{{PortablePath: path, BlobKey: key}},
		},
	}

	o := orchestrator.New(client, roots())
	reader := &memFileReader{content: map[string][]byte{}}

	toSave := []orchestrator.ToSaveUnit{
		{Unit: unit, AbsPathByBlob: map[string]string{key: "/ws/target/release/deps/skip"}},
	}
	err := o.Save(ctx, toSave, map[string]bool{key: true}, reader, nil)
	require.NoError(t, err)
}
