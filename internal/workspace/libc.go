package workspace

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"kiln/internal/store"
)

// DetectHostLibc implements spec.md §4.6's four-way host dispatch: glibc
// version on Linux/glibc, Musl on Linux/musl, a parsed deployment target on
// macOS, Windows on Windows, and Unknown on any failure. Unknown is only
// ever compatible with saved units also tagged Unknown.
func DetectHostLibc(ctx context.Context) store.UnitLibc {
	switch runtime.GOOS {
	case "windows":
		return store.UnitLibc{Family: store.FamilyWindows}
	case "darwin":
		if ordinal, ok := macDeploymentTargetOrdinal(ctx); ok {
			return store.UnitLibc{Family: store.FamilyMacOS, Ordinal: ordinal}
		}
		return store.UnitLibc{Family: store.FamilyUnknown}
	case "linux":
		if ordinal, ok := glibcVersionOrdinal(ctx); ok {
			return store.UnitLibc{Family: store.FamilyGlibc, Ordinal: ordinal}
		}
		if isMusl() {
			return store.UnitLibc{Family: store.FamilyMusl}
		}
		return store.UnitLibc{Family: store.FamilyUnknown}
	default:
		return store.UnitLibc{Family: store.FamilyUnknown}
	}
}

// glibcVersionOrdinal shells out to getconf, the portable way to read
// gnu_get_libc_version without cgo, and folds "major.minor" into a single
// comparable ordinal (major*1000 + minor).
func glibcVersionOrdinal(ctx context.Context) (int64, bool) {
	out, err := exec.CommandContext(ctx, "getconf", "GNU_LIBC_VERSION").Output()
	if err != nil {
		return 0, false
	}
	// Typical output: "glibc 2.35"
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, false
	}
	return parseMajorMinor(fields[len(fields)-1])
}

// isMusl treats the absence of the standard glibc ld.so plus the presence
// of musl's distinctive loader path as the signal (Linux ships no
// standardized gnu_get_libc_version alternative for musl).
func isMusl() bool {
	_, err := exec.LookPath("ldd")
	if err != nil {
		return false
	}
	out, err := exec.Command("ldd", "--version").CombinedOutput()
	if err != nil {
		// musl's ldd --version exits non-zero and prints "musl libc" to stderr.
		return strings.Contains(strings.ToLower(string(out)), "musl")
	}
	return strings.Contains(strings.ToLower(string(out)), "musl")
}

func macDeploymentTargetOrdinal(ctx context.Context) (int64, bool) {
	out, err := exec.CommandContext(ctx, "rustc", "--print", "deployment-target").Output()
	if err != nil {
		return 0, false
	}
	line := strings.TrimSpace(string(out))
	const prefix = "MACOSX_DEPLOYMENT_TARGET="
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	return parseMajorMinor(strings.TrimPrefix(line, prefix))
}

func parseMajorMinor(s string) (int64, bool) {
	major, minor, found := strings.Cut(s, ".")
	m, err := strconv.ParseInt(major, 10, 64)
	if err != nil {
		return 0, false
	}
	if !found {
		return m * 1000, true
	}
	// minor may itself have trailing components ("2.35.0"); take the first.
	minorHead, _, _ := strings.Cut(minor, ".")
	n, err := strconv.ParseInt(minorHead, 10, 64)
	if err != nil {
		return 0, false
	}
	return m*1000 + n, true
}
