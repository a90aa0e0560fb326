package workspace

import (
	"encoding/json"

	"kiln/internal/kilnerr"
)

// wireSavedUnit is SavedUnit's flat wire representation: one JSON object
// whose "kind" field selects which of the three payload fields is present,
// rather than three separate message types.
type wireSavedUnit struct {
	Kind                   string           `json:"kind"`
	UnitHash               string           `json:"unit_hash"`
	PackageName            string           `json:"package_name"`
	CrateName              string           `json:"crate_name"`
	Target                 string           `json:"target"`
	Libc                   string           `json:"libc,omitempty"`
	SrcPath                string           `json:"src_path,omitempty"`
	BuildScriptProgramName string           `json:"build_script_program_name,omitempty"`
	Library                *LibraryFiles    `json:"library,omitempty"`
	BuildScript            *CompiledFiles   `json:"build_script,omitempty"`
	BuildOutput            *OutputFiles     `json:"build_output,omitempty"`
}

func (u SavedUnit) MarshalJSON() ([]byte, error) {
	w := wireSavedUnit{
		Kind:                   u.Kind.String(),
		UnitHash:               u.Info.UnitHash,
		PackageName:            u.Info.PackageName,
		CrateName:              u.Info.CrateName,
		Target:                 u.Info.Target,
		Libc:                   u.Info.Libc,
		SrcPath:                u.SrcPath,
		BuildScriptProgramName: u.BuildScriptProgramName,
		Library:                u.Library,
		BuildScript:            u.BuildScript,
		BuildOutput:            u.BuildOutput,
	}
	return json.Marshal(w)
}

func (u *SavedUnit) UnmarshalJSON(b []byte) error {
	var w wireSavedUnit
	if err := json.Unmarshal(b, &w); err != nil {
		return kilnerr.New(kilnerr.InvalidRequest, "workspace.SavedUnit.UnmarshalJSON", err)
	}

	u.Info = UnitInfo{UnitHash: w.UnitHash, PackageName: w.PackageName, CrateName: w.CrateName, Target: w.Target, Libc: w.Libc}
	u.SrcPath = w.SrcPath
	u.BuildScriptProgramName = w.BuildScriptProgramName
	u.Library = w.Library
	u.BuildScript = w.BuildScript
	u.BuildOutput = w.BuildOutput

	switch w.Kind {
	case "library_crate":
		u.Kind = LibraryCrate
	case "build_script_compilation":
		u.Kind = BuildScriptCompilation
	case "build_script_execution":
		u.Kind = BuildScriptExecution
	default:
		return kilnerr.New(kilnerr.InvalidRequest, "workspace.SavedUnit.UnmarshalJSON", errUnknownKind(w.Kind))
	}
	return nil
}

type errUnknownKind string

func (e errUnknownKind) Error() string { return "workspace: unknown saved unit kind " + string(e) }
