package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/portability"
)

func TestContentHashIndependentOfDescriptorOrder(t *testing.T) {
	a := SavedUnit{
		Kind: LibraryCrate,
		Library: &LibraryFiles{OutputFiles: []FileDescriptor{
			{PortablePath: portability.QualifiedPath{Kind: portability.Rootless, Rel: "libfoo.rlib"}, BlobKey: "key-a"},
			{PortablePath: portability.QualifiedPath{Kind: portability.Rootless, Rel: "libfoo.d"}, BlobKey: "key-b"},
		}},
	}
	b := SavedUnit{
		Kind: LibraryCrate,
		Library: &LibraryFiles{OutputFiles: []FileDescriptor{
			{PortablePath: portability.QualifiedPath{Kind: portability.Rootless, Rel: "libfoo.d"}, BlobKey: "key-b"},
			{PortablePath: portability.QualifiedPath{Kind: portability.Rootless, Rel: "libfoo.rlib"}, BlobKey: "key-a"},
		}},
	}
	require.Equal(t, a.ContentHash(), b.ContentHash())
}

func TestContentHashChangesWithBlobKey(t *testing.T) {
	base := SavedUnit{
		Kind: LibraryCrate,
		Library: &LibraryFiles{OutputFiles: []FileDescriptor{
			{PortablePath: portability.QualifiedPath{Kind: portability.Rootless, Rel: "libfoo.rlib"}, BlobKey: "key-a"},
		}},
	}
	changed := SavedUnit{
		Kind: LibraryCrate,
		Library: &LibraryFiles{OutputFiles: []FileDescriptor{
			{PortablePath: portability.QualifiedPath{Kind: portability.Rootless, Rel: "libfoo.rlib"}, BlobKey: "key-z"},
		}},
	}
	require.NotEqual(t, base.ContentHash(), changed.ContentHash())
}

func TestFileDescriptorsByKind(t *testing.T) {
	compiled := FileDescriptor{BlobKey: "program"}
	u := SavedUnit{Kind: BuildScriptCompilation, BuildScript: &CompiledFiles{CompiledProgram: compiled}}
	require.Equal(t, []FileDescriptor{compiled}, u.FileDescriptors())
}
