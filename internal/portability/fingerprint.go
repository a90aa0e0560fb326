package portability

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"kiln/internal/kilnerr"
)

// DepRef is one dependency reference inside a Fingerprint: a value, not a
// pointer, so a Fingerprint can be serialized and rewritten without a
// shared interior-mutable graph.
type DepRef struct {
	PkgID           string
	Name            string
	Public          bool
	InnerFingerprintHash uint64
}

// Fingerprint is cargo's per-unit build fingerprint, reduced to the fields
// that participate in its hash and in dependency rewriting. The package
// manager's own fingerprint hash is SipHash-1-3 over an internal Rust
// representation we don't have access to; this uses xxhash's 64-bit
// variant instead (documented as an Open Question resolution — see
// DESIGN.md). Every invariant in spec.md §8 that refers to "the
// fingerprint hash" holds under either hash function, since nothing
// compares a hash computed here against one computed by the original tool.
type Fingerprint struct {
	RustcVersionHash uint64
	Features         []string
	DeclaredFeatures []string
	TargetHash       uint64
	ProfileHash      uint64
	PathHash         uint64
	Deps             []DepRef
	LocalHashes      []uint64
	Rustflags        []string
	ConfigHash       uint64
	CompileKindHash  uint64

	memoizedHash     uint64
	memoizedHashSet  bool
}

// Hash returns the fingerprint's stable 64-bit hash, computing and caching
// it on first call. Clear() must be called after any field mutation.
func (f *Fingerprint) Hash() uint64 {
	if f.memoizedHashSet {
		return f.memoizedHash
	}
	h := xxhash.New()
	writeUint64(h, f.RustcVersionHash)
	writeStrings(h, f.Features)
	writeStrings(h, f.DeclaredFeatures)
	writeUint64(h, f.TargetHash)
	writeUint64(h, f.ProfileHash)
	writeUint64(h, f.PathHash)
	for _, d := range f.Deps {
		writeString(h, d.PkgID)
		writeString(h, d.Name)
		if d.Public {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		writeUint64(h, d.InnerFingerprintHash)
	}
	for _, lh := range f.LocalHashes {
		writeUint64(h, lh)
	}
	writeStrings(h, f.Rustflags)
	writeUint64(h, f.ConfigHash)
	writeUint64(h, f.CompileKindHash)

	f.memoizedHash = h.Sum64()
	f.memoizedHashSet = true
	return f.memoizedHash
}

// Clear invalidates the memoized hash after a field mutation (SetPath,
// RewriteDeps).
func (f *Fingerprint) Clear() {
	f.memoizedHashSet = false
}

// SetPath implements F-rewrite step 2: build-script-execution units have no
// src_path and must not call this.
func (f *Fingerprint) SetPath(restoredSrcPath string) {
	h := xxhash.New()
	writeString(h, restoredSrcPath)
	f.PathHash = h.Sum64()
	f.Clear()
}

// RewriteDeps implements F-rewrite step 3: every dependency's inner hash is
// replaced via oldToNew, populated in dependency order by prior rewrites in
// the same restore batch. A dependency whose old hash isn't yet in the map
// is a DependencyFingerprintMissing error (ordering invariant F3 requires
// the orchestrator supply units in topological order).
func (f *Fingerprint) RewriteDeps(oldToNew map[uint64]uint64) error {
	for i, d := range f.Deps {
		newHash, ok := oldToNew[d.InnerFingerprintHash]
		if !ok {
			return kilnerr.New(kilnerr.DependencyFingerprintMissing, "portability.RewriteDeps",
				fmt.Errorf("dep %s (%s): no rewrite for hash %x", d.PkgID, d.Name, d.InnerFingerprintHash))
		}
		f.Deps[i].InnerFingerprintHash = newHash
	}
	f.Clear()
	return nil
}

// wireFingerprint mirrors the field names of cargo's own on-disk fingerprint
// JSON (.fingerprint/<pkg>-<hash>/lib-<crate>.json and friends), so a
// fingerprint round-trips through the same shape cargo itself would
// recognize even though the hash values underneath come from xxhash rather
// than cargo's SipHash-1-3.
type wireFingerprint struct {
	Rustc           uint64   `json:"rustc"`
	Features        []string `json:"features"`
	DeclaredFeatures []string `json:"declared_features"`
	Target          uint64   `json:"target"`
	Profile         uint64   `json:"profile"`
	Path            uint64   `json:"path"`
	Deps            []wireDepRef `json:"deps"`
	Local           []uint64 `json:"local"`
	Rustflags       []string `json:"rustflags"`
	Config          uint64   `json:"config"`
	CompileKind     uint64   `json:"compile_kind"`
}

type wireDepRef struct {
	PkgID       string `json:"pkg_id"`
	Name        string `json:"name"`
	Public      bool   `json:"public"`
	Fingerprint uint64 `json:"fingerprint"`
}

// ParseFingerprintJSON reads a fingerprint in cargo's own on-disk JSON shape
// (the fingerprint hash directory's lib-<crate>.json / equivalent).
func ParseFingerprintJSON(raw []byte) (*Fingerprint, error) {
	var w wireFingerprint
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "portability.ParseFingerprintJSON", err)
	}
	deps := make([]DepRef, len(w.Deps))
	for i, d := range w.Deps {
		deps[i] = DepRef{
			PkgID:                d.PkgID,
			Name:                 d.Name,
			Public:               d.Public,
			InnerFingerprintHash: d.Fingerprint,
		}
	}
	return &Fingerprint{
		RustcVersionHash: w.Rustc,
		Features:         w.Features,
		DeclaredFeatures: w.DeclaredFeatures,
		TargetHash:       w.Target,
		ProfileHash:      w.Profile,
		PathHash:         w.Path,
		Deps:             deps,
		LocalHashes:      w.Local,
		Rustflags:        w.Rustflags,
		ConfigHash:       w.Config,
		CompileKindHash:  w.CompileKind,
	}, nil
}

// RenderJSON writes f back out in the same shape ParseFingerprintJSON reads,
// for materializing a restored unit's fingerprint file to disk.
func (f *Fingerprint) RenderJSON() ([]byte, error) {
	deps := make([]wireDepRef, len(f.Deps))
	for i, d := range f.Deps {
		deps[i] = wireDepRef{PkgID: d.PkgID, Name: d.Name, Public: d.Public, Fingerprint: d.InnerFingerprintHash}
	}
	w := wireFingerprint{
		Rustc:            f.RustcVersionHash,
		Features:         f.Features,
		DeclaredFeatures: f.DeclaredFeatures,
		Target:           f.TargetHash,
		Profile:          f.ProfileHash,
		Path:             f.PathHash,
		Deps:             deps,
		Local:            f.LocalHashes,
		Rustflags:        f.Rustflags,
		Config:           f.ConfigHash,
		CompileKind:      f.CompileKindHash,
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "portability.Fingerprint.RenderJSON", err)
	}
	return raw, nil
}

// HashFileContents renders the fingerprint hash sidecar file cargo writes
// next to the JSON (e.g. .fingerprint/<pkg>-<hash>/lib-<crate>, no
// extension): the hex encoding of the hash's little-endian bytes.
func (f *Fingerprint) HashFileContents() string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], f.Hash())
	return hex.EncodeToString(buf[:])
}

func writeUint64(h *xxhash.Digest, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeString(h *xxhash.Digest, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeStrings(h *xxhash.Digest, ss []string) {
	writeUint64(h, uint64(len(ss)))
	for _, s := range ss {
		writeString(h, s)
	}
}
