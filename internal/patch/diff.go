package patch

import (
	"math"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// diffContext matches the context size most diff tools default to.
const diffContext = 4

// UnifiedDiff renders a unified diff of before → after for path, with the
// common indentation removed from the hunk bodies.
func UnifiedDiff(path, before, after string) string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path,
		ToFile:   path,
		Context:  diffContext,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return TrimDiff(text)
}

// isBodyLine reports whether line is an added, removed or context line of
// a hunk (file header lines excluded).
func isBodyLine(line string) bool {
	if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") {
		return false
	}
	return strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, " ")
}

// TrimDiff removes the smallest leading-whitespace width, counted in runes,
// shared by every non-blank body line, keeping the +/-/space prefix in place.
func TrimDiff(diff string) string {
	lines := strings.Split(diff, "\n")

	minIndent := math.MaxInt
	for _, line := range lines {
		if !isBodyLine(line) {
			continue
		}
		body := line[1:]
		if strings.TrimSpace(body) == "" {
			continue
		}
		minIndent = min(minIndent, leadingSpace(body))
	}
	if minIndent == math.MaxInt || minIndent == 0 {
		return diff
	}

	for i, line := range lines {
		if !isBodyLine(line) {
			continue
		}
		lines[i] = line[:1] + dropIndent(line[1:], minIndent)
	}
	return strings.Join(lines, "\n")
}
