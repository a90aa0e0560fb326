// Package workspace introspects a cargo-style build plan: enumerating the
// units a build would compile, classifying each, and detecting the host's
// libc so restored units can be filtered for compatibility (spec component
// C6).
package workspace

import (
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"

	"kiln/internal/portability"
)

// UnitKind is the classification C6 assigns to a build-plan invocation.
type UnitKind int

const (
	LibraryCrate UnitKind = iota
	BuildScriptCompilation
	BuildScriptExecution
	// Unsupported marks an invocation that is none of the three cacheable
	// kinds (e.g. a plain "bin" target) — never saved or restored.
	Unsupported
)

func (k UnitKind) String() string {
	switch k {
	case LibraryCrate:
		return "library_crate"
	case BuildScriptCompilation:
		return "build_script_compilation"
	case BuildScriptExecution:
		return "build_script_execution"
	default:
		return "unsupported"
	}
}

// UnitInfo is the common metadata every SavedUnit variant carries.
type UnitInfo struct {
	UnitHash    string
	PackageName string
	CrateName   string
	Target      string // target-architecture tag, e.g. x86_64-unknown-linux-gnu
	Libc        string // persisted "family:ordinal" form (store.UnitLibc.String()); empty if not libc-tagged
}

// FileDescriptor is a Saved Unit File Descriptor: one output file's
// relocatable location plus enough metadata to restore it faithfully.
type FileDescriptor struct {
	PortablePath portability.QualifiedPath
	BlobKey      string
	MtimeNanos   int64
	Executable   bool
}

// LibraryFiles is the payload of a LibraryCrate unit.
type LibraryFiles struct {
	Fingerprint    *portability.Fingerprint
	OutputFiles    []FileDescriptor
	RustcDepInfo   string
	EncodedDepInfo string
}

// CompiledFiles is the payload of a BuildScriptCompilation unit.
type CompiledFiles struct {
	Fingerprint    *portability.Fingerprint
	CompiledProgram FileDescriptor
	RustcDepInfo   string
	EncodedDepInfo string
}

// OutputFiles is the payload of a BuildScriptExecution unit.
type OutputFiles struct {
	Fingerprint  *portability.Fingerprint
	OutDirFiles  []FileDescriptor
	Stdout       string
	Stderr       string
}

// SavedUnit is the tagged union spec.md §3 describes: exactly one of the
// three payload fields is populated, selected by Kind.
type SavedUnit struct {
	Kind UnitKind
	Info UnitInfo

	SrcPath              string // LibraryCrate, BuildScriptCompilation only
	BuildScriptProgramName string // BuildScriptExecution only

	Library       *LibraryFiles
	BuildScript   *CompiledFiles
	BuildOutput   *OutputFiles
}

// FileDescriptors returns every output file the unit's active variant owns,
// regardless of which of Library/BuildScript/BuildOutput is populated.
func (u SavedUnit) FileDescriptors() []FileDescriptor {
	switch u.Kind {
	case LibraryCrate:
		if u.Library != nil {
			return u.Library.OutputFiles
		}
	case BuildScriptCompilation:
		if u.BuildScript != nil {
			return []FileDescriptor{u.BuildScript.CompiledProgram}
		}
	case BuildScriptExecution:
		if u.BuildOutput != nil {
			return u.BuildOutput.OutDirFiles
		}
	}
	return nil
}

// Fingerprint returns the unit's build fingerprint, regardless of which
// variant is active, or nil if the variant isn't populated.
func (u SavedUnit) Fingerprint() *portability.Fingerprint {
	switch u.Kind {
	case LibraryCrate:
		if u.Library != nil {
			return u.Library.Fingerprint
		}
	case BuildScriptCompilation:
		if u.BuildScript != nil {
			return u.BuildScript.Fingerprint
		}
	case BuildScriptExecution:
		if u.BuildOutput != nil {
			return u.BuildOutput.Fingerprint
		}
	}
	return nil
}

// ContentHash is the unit's stable identity under relocation: a BLAKE3 over
// the ordered list of (portable_path, blob_key) pairs, sorted by the
// portable path's encoded text so the hash is independent of slice order.
func (u SavedUnit) ContentHash() string {
	descriptors := u.FileDescriptors()
	type pair struct{ path, key string }
	pairs := make([]pair, len(descriptors))
	for i, d := range descriptors {
		pairs[i] = pair{path: d.PortablePath.Encode(), key: d.BlobKey}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].path < pairs[j].path })

	hasher := blake3.New(32, nil)
	for _, p := range pairs {
		hasher.Write([]byte(p.path))
		hasher.Write([]byte{0})
		hasher.Write([]byte(p.key))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
