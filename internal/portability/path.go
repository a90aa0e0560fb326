// Package portability rewrites the three file kinds that embed
// machine-dependent paths or hashes: dep-info files, build-script stdout,
// and fingerprint JSON (spec component C7).
package portability

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PathKind is the QualifiedPath tagged union's discriminant.
type PathKind int

const (
	Rootless PathKind = iota
	RelativeTargetProfile
	RelativeCargoHome
	Absolute
)

// QualifiedPath is a relocatable path: relative to one of two known roots,
// bare relative, or (as a last resort) absolute.
type QualifiedPath struct {
	Kind PathKind
	Rel  string // for Rootless/RelativeTargetProfile/RelativeCargoHome
	Abs  string // for Absolute
}

// Roots names the two machine-specific directories a path may be resolved
// against.
type Roots struct {
	TargetProfileDir string // e.g. <workspace>/target/release
	CargoHomeDir     string // e.g. $CARGO_HOME
}

// Qualify classifies p against roots, trying TargetProfileDir then
// CargoHomeDir, falling back to Rootless for a relative path or Absolute
// for one that matches neither root.
func Qualify(p string, roots Roots) QualifiedPath {
	if roots.TargetProfileDir != "" {
		if rel, ok := stripRoot(p, roots.TargetProfileDir); ok {
			return QualifiedPath{Kind: RelativeTargetProfile, Rel: rel}
		}
	}
	if roots.CargoHomeDir != "" {
		if rel, ok := stripRoot(p, roots.CargoHomeDir); ok {
			return QualifiedPath{Kind: RelativeCargoHome, Rel: rel}
		}
	}
	if !isAbs(p) {
		return QualifiedPath{Kind: Rootless, Rel: p}
	}
	return QualifiedPath{Kind: Absolute, Abs: p}
}

// Resolve turns a QualifiedPath back into an absolute (or bare relative, for
// Rootless) path on the current machine.
func (q QualifiedPath) Resolve(roots Roots) string {
	switch q.Kind {
	case RelativeTargetProfile:
		return joinRoot(roots.TargetProfileDir, q.Rel)
	case RelativeCargoHome:
		return joinRoot(roots.CargoHomeDir, q.Rel)
	case Absolute:
		return q.Abs
	default:
		return q.Rel
	}
}

func stripRoot(p, root string) (string, bool) {
	root = strings.TrimRight(root, "/")
	if p == root {
		return "", true
	}
	if strings.HasPrefix(p, root+"/") {
		return p[len(root)+1:], true
	}
	return "", false
}

func joinRoot(root, rel string) string {
	if rel == "" {
		return root
	}
	return strings.TrimRight(root, "/") + "/" + rel
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

type wireQualifiedPath struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

func (q QualifiedPath) MarshalJSON() ([]byte, error) {
	w := wireQualifiedPath{Kind: encodeKind(q.Kind)}
	if q.Kind == Absolute {
		w.Path = q.Abs
	} else {
		w.Path = q.Rel
	}
	return json.Marshal(w)
}

func (q *QualifiedPath) UnmarshalJSON(b []byte) error {
	var w wireQualifiedPath
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	kind, err := decodeKind(w.Kind)
	if err != nil {
		return err
	}
	q.Kind = kind
	if kind == Absolute {
		q.Abs = w.Path
	} else {
		q.Rel = w.Path
	}
	return nil
}

// Encode renders q as a stable, self-describing text string tagged by kind,
// for embedding a path inside a plain string field (dep-info text, a unit's
// recorded src_path) that must survive a save/restore round trip on its own,
// without a side channel carrying the QualifiedPath struct.
func (q QualifiedPath) Encode() string {
	switch q.Kind {
	case RelativeTargetProfile:
		return "target-profile:" + q.Rel
	case RelativeCargoHome:
		return "cargo-home:" + q.Rel
	case Absolute:
		return "absolute:" + q.Abs
	default:
		return "rootless:" + q.Rel
	}
}

// DecodeQualifiedPath is Encode's inverse.
func DecodeQualifiedPath(s string) QualifiedPath {
	for prefix, kind := range map[string]PathKind{
		"target-profile:": RelativeTargetProfile,
		"cargo-home:":      RelativeCargoHome,
		"absolute:":        Absolute,
		"rootless:":        Rootless,
	} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			if kind == Absolute {
				return QualifiedPath{Kind: Absolute, Abs: rest}
			}
			return QualifiedPath{Kind: kind, Rel: rest}
		}
	}
	return QualifiedPath{Kind: Rootless, Rel: s}
}

func encodeKind(k PathKind) string {
	switch k {
	case RelativeTargetProfile:
		return "target_profile"
	case RelativeCargoHome:
		return "cargo_home"
	case Absolute:
		return "absolute"
	default:
		return "rootless"
	}
}

func decodeKind(s string) (PathKind, error) {
	switch s {
	case "target_profile":
		return RelativeTargetProfile, nil
	case "cargo_home":
		return RelativeCargoHome, nil
	case "absolute":
		return Absolute, nil
	case "rootless":
		return Rootless, nil
	default:
		return 0, fmt.Errorf("portability: unknown qualified path kind %q", s)
	}
}
