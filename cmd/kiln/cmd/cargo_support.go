package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"

	"kiln/internal/blobstore"
	"kiln/internal/orchestrator"
	"kiln/internal/portability"
	"kiln/internal/store"
	"kiln/internal/workspace"
)

// handOffToDaemon tries to post a save job to a locally running
// "kiln daemon start" process. It reports false on any failure to reach
// one, so the caller falls back to uploading inline.
func handOffToDaemon(toSave []orchestrator.ToSaveUnit, alreadyHeld map[string]bool) bool {
	if len(toSave) == 0 {
		return true
	}
	body, err := json.Marshal(struct {
		ToSave      []orchestrator.ToSaveUnit `json:"to_save"`
		AlreadyHeld map[string]bool           `json:"already_held"`
	}{toSave, alreadyHeld})
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post("http://127.0.0.1:7420/save", "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusAccepted
}

// introspectBuildPlan shells out to "cargo <subcommand> --build-plan" to get
// the invocation graph for this build without actually running rustc, per
// spec component C6.
func introspectBuildPlan(ctx context.Context, workspaceDir, subcommand string, passthroughArgs []string) (workspace.BuildPlan, error) {
	args := append([]string{subcommand, "--build-plan"}, passthroughArgs...)
	cmd := exec.CommandContext(ctx, "cargo", args...)
	cmd.Dir = workspaceDir
	out, err := cmd.Output()
	if err != nil {
		return workspace.BuildPlan{}, err
	}
	return workspace.ParseBuildPlan(out)
}

// diffExpectedVsRestored computes the to-save set (expected minus
// successfully restored) and the set of blob keys already held by this
// organization among the restored units, so Save skips re-uploading them.
func diffExpectedVsRestored(plan workspace.BuildPlan, restored orchestrator.RestoreResult, hostLibc store.UnitLibc, target string, roots portability.Roots, profileDir string) ([]orchestrator.ToSaveUnit, map[string]bool) {
	alreadyHeld := map[string]bool{}
	for _, unit := range restored.Restored {
		for _, d := range unit.FileDescriptors() {
			alreadyHeld[d.BlobKey] = true
		}
	}

	var toSave []orchestrator.ToSaveUnit
	for _, hash := range restored.Missing {
		inv := findInvocation(plan, hash)
		if inv.UnitHash == "" {
			continue
		}
		if workspace.Classify(inv) == workspace.Unsupported {
			continue
		}
		unit, absPaths := unitFromDiskOutputs(inv, hostLibc, target, roots, profileDir)
		toSave = append(toSave, orchestrator.ToSaveUnit{Unit: unit, AbsPathByBlob: absPaths})
	}
	return toSave, alreadyHeld
}

func findInvocation(plan workspace.BuildPlan, unitHash string) workspace.Invocation {
	for _, inv := range plan.Invocations {
		if inv.UnitHash == unitHash {
			return inv
		}
	}
	return workspace.Invocation{}
}

// unitFromDiskOutputs builds the SavedUnit and its blob-key-to-path map for
// a to-save invocation: it hashes each declared output file (qualifying its
// path against roots so the blob key covers machine-independent content),
// and for the two unit kinds that carry a build fingerprint it also reads
// cargo's own dep-info, encoded-dep-info, and fingerprint JSON/hash files
// off disk so the saved unit carries real fingerprint data rather than a
// zero value.
func unitFromDiskOutputs(inv workspace.Invocation, hostLibc store.UnitLibc, target string, roots portability.Roots, profileDir string) (workspace.SavedUnit, map[string]string) {
	kind := workspace.Classify(inv)
	if target == "" {
		target = "host"
	}
	info := workspace.UnitInfo{
		UnitHash:    inv.UnitHash,
		PackageName: inv.PackageName,
		CrateName:   inv.CrateName,
		Target:      target,
		Libc:        hostLibc.String(),
	}

	absPaths := map[string]string{}
	descriptors := make([]workspace.FileDescriptor, 0, len(inv.Outputs))
	for _, outPath := range inv.Outputs {
		d, err := qualifiedDescriptor(outPath, roots)
		if err != nil {
			continue
		}
		descriptors = append(descriptors, d)
		absPaths[d.BlobKey] = outPath
	}

	unit := workspace.SavedUnit{Kind: kind, Info: info}
	switch kind {
	case workspace.LibraryCrate:
		fp, depInfo, encoded := readLibraryFingerprint(inv, roots, profileDir)
		unit.SrcPath = srcPathOf(inv, roots)
		unit.Library = &workspace.LibraryFiles{
			Fingerprint:    fp,
			OutputFiles:    descriptors,
			RustcDepInfo:   depInfo,
			EncodedDepInfo: encoded,
		}
	case workspace.BuildScriptCompilation:
		fp, depInfo, encoded := readBuildScriptCompilationFingerprint(inv, roots, profileDir)
		unit.SrcPath = srcPathOf(inv, roots)
		var program workspace.FileDescriptor
		if len(descriptors) > 0 {
			program = descriptors[0]
		}
		unit.BuildScript = &workspace.CompiledFiles{
			Fingerprint:     fp,
			CompiledProgram: program,
			RustcDepInfo:    depInfo,
			EncodedDepInfo:  encoded,
		}
	case workspace.BuildScriptExecution:
		programName := inv.CrateName
		unit.BuildScriptProgramName = programName
		fp, stdout, stderr := readBuildScriptExecutionFingerprint(inv, roots, profileDir, programName)
		unit.BuildOutput = &workspace.OutputFiles{
			Fingerprint: fp,
			OutDirFiles: descriptors,
			Stdout:      stdout,
			Stderr:      stderr,
		}
	}
	return unit, absPaths
}

// qualifiedDescriptor hashes outPath's current on-disk content and records
// its portable (root-relative) location, mtime, and executable bit.
func qualifiedDescriptor(outPath string, roots portability.Roots) (workspace.FileDescriptor, error) {
	content, err := os.ReadFile(outPath)
	if err != nil {
		return workspace.FileDescriptor{}, err
	}
	key := blobstore.Key(blake3.Sum256(content)).String()

	var mtimeNanos int64
	executable := false
	if st, err := os.Stat(outPath); err == nil {
		mtimeNanos = st.ModTime().UnixNano()
		executable = st.Mode()&0o111 != 0
	}

	return workspace.FileDescriptor{
		PortablePath: portability.Qualify(outPath, roots),
		BlobKey:      key,
		MtimeNanos:   mtimeNanos,
		Executable:   executable,
	}, nil
}

// srcPathOf returns the invocation's primary source file, qualified and
// text-encoded for storage, per the program's first input (cargo always
// lists the crate root / build.rs first among deps for these unit kinds).
func srcPathOf(inv workspace.Invocation, roots portability.Roots) string {
	if len(inv.Inputs) == 0 {
		return ""
	}
	return portability.Qualify(inv.Inputs[0], roots).Encode()
}

func readLibraryFingerprint(inv workspace.Invocation, roots portability.Roots, profileDir string) (*portability.Fingerprint, string, string) {
	if profileDir == "" {
		return nil, "", ""
	}
	depInfoPath, encodedPath, fingerprintJSONPath, _ := workspace.LibraryFingerprintPaths(profileDir, inv.PackageName, inv.CrateName, inv.UnitHash)
	return readFingerprintTriple(depInfoPath, encodedPath, fingerprintJSONPath, roots)
}

func readBuildScriptCompilationFingerprint(inv workspace.Invocation, roots portability.Roots, profileDir string) (*portability.Fingerprint, string, string) {
	if profileDir == "" {
		return nil, "", ""
	}
	_, _, depInfoPath, encodedPath, fingerprintJSONPath, _ := workspace.BuildScriptCompilationPaths(profileDir, inv.PackageName, inv.UnitHash)
	return readFingerprintTriple(depInfoPath, encodedPath, fingerprintJSONPath, roots)
}

func readBuildScriptExecutionFingerprint(inv workspace.Invocation, roots portability.Roots, profileDir, programName string) (*portability.Fingerprint, string, string) {
	if profileDir == "" {
		return nil, "", ""
	}
	outDir, stdoutPath, stderrPath, fingerprintJSONPath, _ := workspace.BuildScriptExecutionPaths(profileDir, inv.PackageName, inv.UnitHash, programName)
	_ = outDir
	fp := readFingerprintJSON(fingerprintJSONPath)
	stdout := portability.QualifyBuildScriptStdout(readTextFile(stdoutPath), roots)
	stderr := portability.QualifyBuildScriptStdout(readTextFile(stderrPath), roots)
	return fp, stdout, stderr
}

// readFingerprintTriple reads a unit's dep-info file, encoded-dep-info
// file, and fingerprint JSON, applying the save-direction inverse rewrite
// (qualify) to every machine path found before the data is stored. Per
// cargo's own invariant, EncodedDepInfo never contains absolute paths, so
// it is copied through verbatim (base64-wrapped, since it isn't
// necessarily valid UTF-8) rather than rewritten.
func readFingerprintTriple(depInfoPath, encodedDepInfoPath, fingerprintJSONPath string, roots portability.Roots) (*portability.Fingerprint, string, string) {
	var depInfo string
	if raw, err := os.ReadFile(depInfoPath); err == nil {
		lines := portability.ParseDepInfo(string(raw), roots)
		depInfo = portability.EncodeDepInfo(lines)
	}

	var encodedDepInfo string
	if raw, err := os.ReadFile(encodedDepInfoPath); err == nil {
		encodedDepInfo = base64.StdEncoding.EncodeToString(raw)
	}

	return readFingerprintJSON(fingerprintJSONPath), depInfo, encodedDepInfo
}

func readFingerprintJSON(path string) *portability.Fingerprint {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	fp, err := portability.ParseFingerprintJSON(raw)
	if err != nil {
		return nil
	}
	return fp
}

func readTextFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
}

type osFileWriter struct{}

func (osFileWriter) WriteFile(absPath string, content []byte, mtimeNanos int64, executable bool) error {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(absPath, content, mode); err != nil {
		return err
	}
	if mtimeNanos > 0 {
		t := modTimeFromNanos(mtimeNanos)
		_ = os.Chtimes(absPath, t, t)
	}
	return nil
}

type osFileReader struct{}

func (osFileReader) ReadFile(absPath string) ([]byte, error) {
	return os.ReadFile(absPath)
}

func modTimeFromNanos(nanos int64) time.Time {
	return time.Unix(0, nanos)
}
