package workspace

import (
	"encoding/json"
	"strings"

	"kiln/internal/kilnerr"
)

// Invocation is one entry of a `cargo build --build-plan`-shaped dry run:
// the rustc-style command that would run, its declared inputs/outputs, and
// the package manager's own computed unit hash.
type Invocation struct {
	PackageName string   `json:"package_name"`
	CrateName   string   `json:"target_crate_name"`
	Kind        []string `json:"kind"` // e.g. ["lib"], ["custom-build"]
	Outputs     []string `json:"outputs"`
	Program     string   `json:"program"`
	Inputs      []string `json:"deps"`
	Env         map[string]string `json:"env"`
	UnitHash    string   `json:"unit_hash"`
	CompileMode string   `json:"compile_mode"` // "build", "run-custom-build"
}

// BuildPlan is the full dry-run document.
type BuildPlan struct {
	Invocations []Invocation `json:"invocations"`
}

// ParseBuildPlan decodes the build-plan JSON the package manager emits for
// a dry run.
func ParseBuildPlan(raw []byte) (BuildPlan, error) {
	var plan BuildPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return BuildPlan{}, kilnerr.New(kilnerr.InvalidRequest, "workspace.ParseBuildPlan", err)
	}
	return plan, nil
}

// Classify applies the three-way (plus execution) classification spec.md
// §4.6 describes to one invocation.
func Classify(inv Invocation) UnitKind {
	if inv.CompileMode == "run-custom-build" {
		return BuildScriptExecution
	}
	if isBuildScriptOutput(inv.Outputs) {
		return BuildScriptCompilation
	}
	if IsLibraryCrate(inv) {
		return LibraryCrate
	}
	return Unsupported
}

// isBuildScriptOutput detects a build.rs compilation by its characteristic
// output filename pair: build_script_<module>-<hash> plus a hard-link
// alias build-script-<module>.
func isBuildScriptOutput(outputs []string) bool {
	hasNumbered := false
	hasAlias := false
	for _, out := range outputs {
		base := out
		if idx := strings.LastIndexByte(out, '/'); idx >= 0 {
			base = out[idx+1:]
		}
		switch {
		case strings.HasPrefix(base, "build_script_") && strings.Contains(base, "-"):
			hasNumbered = true
		case strings.HasPrefix(base, "build-script-"):
			hasAlias = true
		}
	}
	return hasNumbered && hasAlias
}

// IsLibraryCrate reports whether inv's declared kind is a library crate
// type (lib, rlib, dylib, staticlib, cdylib, proc-macro).
func IsLibraryCrate(inv Invocation) bool {
	for _, k := range inv.Kind {
		switch k {
		case "lib", "rlib", "dylib", "staticlib", "cdylib", "proc-macro":
			return true
		}
	}
	return false
}
