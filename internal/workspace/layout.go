package workspace

import "path/filepath"

// buildScriptEntrypoint is the build-script target name cargo derives from
// build.rs in the overwhelming majority of crates (a custom entrypoint via
// package.build = "other.rs" still compiles to a target cargo calls
// "build-script-build" unless the manifest renames it, which none of the
// units kiln handles do).
const buildScriptEntrypoint = "build"

func fingerprintDir(profileDir, packageName, unitHash string) string {
	return filepath.Join(profileDir, ".fingerprint", packageName+"-"+unitHash)
}

// LibraryFingerprintPaths returns the on-disk locations of a LibraryCrate
// unit's dep-info, encoded-dep-info, fingerprint JSON, and fingerprint hash
// sidecar files.
func LibraryFingerprintPaths(profileDir, packageName, crateName, unitHash string) (depInfo, encodedDepInfo, fingerprintJSON, fingerprintHash string) {
	dir := fingerprintDir(profileDir, packageName, unitHash)
	depInfo = filepath.Join(profileDir, "deps", crateName+"-"+unitHash+".d")
	encodedDepInfo = filepath.Join(dir, "dep-lib-"+crateName)
	fingerprintJSON = filepath.Join(dir, "lib-"+crateName+".json")
	fingerprintHash = filepath.Join(dir, "lib-"+crateName)
	return
}

// BuildScriptCompilationPaths returns the on-disk locations of a
// BuildScriptCompilation unit's compiled program, its hard-link alias, and
// its dep-info/fingerprint sidecar files.
func BuildScriptCompilationPaths(profileDir, packageName, unitHash string) (program, alias, depInfo, encodedDepInfo, fingerprintJSON, fingerprintHash string) {
	dir := fingerprintDir(profileDir, packageName, unitHash)
	program = filepath.Join(profileDir, "build", "build_script_"+buildScriptEntrypoint+"-"+unitHash)
	alias = filepath.Join(profileDir, "build", "build-script-"+buildScriptEntrypoint)
	depInfo = filepath.Join(profileDir, "build", "build_script_"+buildScriptEntrypoint+"-"+unitHash+".d")
	encodedDepInfo = filepath.Join(dir, "dep-build-script-build-script-"+buildScriptEntrypoint)
	fingerprintJSON = filepath.Join(dir, "build-script-build-script-"+buildScriptEntrypoint+".json")
	fingerprintHash = filepath.Join(dir, "build-script-build-script-"+buildScriptEntrypoint)
	return
}

// BuildScriptExecutionPaths returns the on-disk locations of a
// BuildScriptExecution unit's out directory, captured stdout/stderr, and
// fingerprint sidecar files.
func BuildScriptExecutionPaths(profileDir, packageName, unitHash, programName string) (outDir, stdout, stderr, fingerprintJSON, fingerprintHash string) {
	buildDir := filepath.Join(profileDir, "build", packageName+"-"+unitHash)
	outDir = filepath.Join(buildDir, "out")
	stdout = filepath.Join(buildDir, "output")
	stderr = filepath.Join(buildDir, "stderr")
	dir := fingerprintDir(profileDir, packageName, unitHash)
	fingerprintJSON = filepath.Join(dir, "run-build-script-"+programName+".json")
	fingerprintHash = filepath.Join(dir, "run-build-script-"+programName)
	return
}
