package portability

import (
	"fmt"
	"strings"
)

// DepInfoLineKind discriminates a parsed line of a .d dep-info file.
type DepInfoLineKind int

const (
	Space DepInfoLineKind = iota
	Comment
	Build
)

// DepInfoLine is one line of a dep-info file. Only Build lines carry paths;
// Space and Comment lines are preserved verbatim for reconstruction.
type DepInfoLine struct {
	Kind    DepInfoLineKind
	Raw     string // Space/Comment: the original line, unrewritten
	Output  QualifiedPath
	Inputs  []QualifiedPath
}

// ParseDepInfo splits a Makefile-style dep-info file into lines, qualifying
// every path it finds on a Build line against roots.
func ParseDepInfo(content string, roots Roots) []DepInfoLine {
	var out []DepInfoLine
	for _, raw := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			out = append(out, DepInfoLine{Kind: Space, Raw: raw})
		case strings.HasPrefix(trimmed, "#"):
			out = append(out, DepInfoLine{Kind: Comment, Raw: raw})
		default:
			out = append(out, parseBuildLine(raw, roots))
		}
	}
	return out
}

func parseBuildLine(raw string, roots Roots) DepInfoLine {
	colon := strings.Index(raw, ":")
	if colon < 0 {
		return DepInfoLine{Kind: Comment, Raw: raw}
	}
	output := strings.TrimSpace(raw[:colon])
	rest := strings.TrimSpace(raw[colon+1:])

	var inputs []QualifiedPath
	for _, field := range splitMakefileFields(rest) {
		inputs = append(inputs, Qualify(field, roots))
	}
	return DepInfoLine{
		Kind:   Build,
		Output: Qualify(output, roots),
		Inputs: inputs,
	}
}

// splitMakefileFields splits on unescaped whitespace, honoring a backslash
// line-continuation convention of treating "\ " as a literal space inside a
// path (the one escape dep-info files actually use).
func splitMakefileFields(s string) []string {
	var fields []string
	var cur strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) && runes[i+1] == ' ' {
			cur.WriteRune(' ')
			i++
			continue
		}
		if r == ' ' || r == '\t' {
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// Render reconstructs a dep-info file's text, resolving every qualified path
// back to this machine's roots.
func Render(lines []DepInfoLine, roots Roots) string {
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		switch l.Kind {
		case Space, Comment:
			sb.WriteString(l.Raw)
		case Build:
			sb.WriteString(escapeField(l.Output.Resolve(roots)))
			sb.WriteString(":")
			for _, in := range l.Inputs {
				sb.WriteByte(' ')
				sb.WriteString(escapeField(in.Resolve(roots)))
			}
		}
	}
	return sb.String()
}

func escapeField(s string) string {
	return strings.ReplaceAll(s, " ", `\ `)
}

// EncodeDepInfo renders parsed dep-info lines to a portable text form for
// storage: Build line paths are written with QualifiedPath.Encode instead of
// being resolved back to a machine path, so the result survives a
// save/restore round trip across machines on its own.
func EncodeDepInfo(lines []DepInfoLine) string {
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		switch l.Kind {
		case Space, Comment:
			sb.WriteString(l.Raw)
		case Build:
			sb.WriteString(escapeField(l.Output.Encode()))
			sb.WriteString(":")
			for _, in := range l.Inputs {
				sb.WriteByte(' ')
				sb.WriteString(escapeField(in.Encode()))
			}
		}
	}
	return sb.String()
}

// DecodeDepInfo is EncodeDepInfo's inverse.
func DecodeDepInfo(s string) []DepInfoLine {
	var out []DepInfoLine
	for _, raw := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			out = append(out, DepInfoLine{Kind: Space, Raw: raw})
		case strings.HasPrefix(trimmed, "#"):
			out = append(out, DepInfoLine{Kind: Comment, Raw: raw})
		default:
			out = append(out, decodeBuildLine(raw))
		}
	}
	return out
}

func decodeBuildLine(raw string) DepInfoLine {
	colon := strings.Index(raw, ":")
	if colon < 0 {
		return DepInfoLine{Kind: Comment, Raw: raw}
	}
	output := strings.TrimSpace(raw[:colon])
	rest := strings.TrimSpace(raw[colon+1:])

	var inputs []QualifiedPath
	for _, field := range splitMakefileFields(rest) {
		inputs = append(inputs, DecodeQualifiedPath(field))
	}
	return DepInfoLine{
		Kind:   Build,
		Output: DecodeQualifiedPath(output),
		Inputs: inputs,
	}
}

// UnqualifiedAbsolutePathError is returned when a caller opts into strict
// qualification (rejecting Absolute) and a path didn't match either root.
type UnqualifiedAbsolutePathError struct {
	Path string
}

func (e *UnqualifiedAbsolutePathError) Error() string {
	return fmt.Sprintf("portability: %q is absolute and matches no known root", e.Path)
}
