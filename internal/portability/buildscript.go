package portability

import "strings"

// directivesWithPathArg names the cargo: build-script directives whose
// value is a filesystem path, per spec.md §4.7. Directives not in this set
// pass through unchanged.
var directivesWithPathArg = map[string]bool{
	"rerun-if-changed":  true,
	"rustc-link-search": true,
	"rustc-link-lib":    false, // library name, not a path — explicit exclusion
}

// RewriteBuildScriptStdout rewrites cargo: directive path arguments in a
// build script's captured stdout using qualify for the save direction or
// resolve for the restore direction.
func RewriteBuildScriptStdout(stdout string, rewrite func(path string) string) string {
	lines := strings.Split(stdout, "\n")
	for i, line := range lines {
		const prefix = "cargo:"
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		body := line[len(prefix):]
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			continue
		}
		directive, value := body[:eq], body[eq+1:]
		if !directivesWithPathArg[directive] {
			continue
		}
		// rustc-link-search may carry a "kind=path" form; only the path
		// segment is rewritten.
		if directive == "rustc-link-search" {
			if kindEq := strings.IndexByte(value, '='); kindEq >= 0 {
				lines[i] = prefix + directive + "=" + value[:kindEq+1] + rewrite(value[kindEq+1:])
				continue
			}
		}
		lines[i] = prefix + directive + "=" + rewrite(value)
	}
	return strings.Join(lines, "\n")
}

// QualifyBuildScriptStdout is RewriteBuildScriptStdout specialized for the
// save path, converting absolute paths to QualifiedPath text form.
func QualifyBuildScriptStdout(stdout string, roots Roots) string {
	return RewriteBuildScriptStdout(stdout, func(path string) string {
		return Qualify(path, roots).Encode()
	})
}

// ResolveBuildScriptStdout is the restore-path inverse of
// QualifyBuildScriptStdout.
func ResolveBuildScriptStdout(stdout string, roots Roots) string {
	return RewriteBuildScriptStdout(stdout, func(encoded string) string {
		return DecodeQualifiedPath(encoded).Resolve(roots)
	})
}
