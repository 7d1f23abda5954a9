package patch

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Replacer yields the spans of content (as literal substrings) that a
// strategy considers a match for find. Spans are returned in file order.
type Replacer func(content, find string) []string

// Block-anchor acceptance thresholds. A lone anchor candidate is accepted
// when its average interior similarity reaches SingleCandidateSimilarity;
// with several candidates the best one must reach MultipleCandidatesSimilarity.
// At 0.0 the single-candidate case accepts any interior content.
var (
	SingleCandidateSimilarity    = 0.0
	MultipleCandidatesSimilarity = 0.3
)

// strategy pairs a replacer with the name reported in a Match.
type strategy struct {
	name string
	fn   Replacer
}

// strategies is the matching cascade, most strict first.
var strategies = []strategy{
	{"exact", exactReplacer},
	{"line-trimmed", lineTrimmedReplacer},
	{"block-anchor", blockAnchorReplacer},
	{"whitespace-normalized", whitespaceNormalizedReplacer},
	{"indentation-flexible", indentationFlexibleReplacer},
	{"escape-normalized", escapeNormalizedReplacer},
}

func exactReplacer(_, find string) []string {
	return []string{find}
}

// lineTrimmedReplacer compares line windows after trimming each line.
func lineTrimmedReplacer(content, find string) []string {
	originalLines := strings.Split(content, "\n")
	searchLines := dropTrailingEmpty(strings.Split(find, "\n"))

	var out []string
	for i := 0; i <= len(originalLines)-len(searchLines); i++ {
		matches := true
		for j := range searchLines {
			if strings.TrimSpace(originalLines[i+j]) != strings.TrimSpace(searchLines[j]) {
				matches = false
				break
			}
		}
		if matches {
			start, end := lineSpan(originalLines, i, i+len(searchLines)-1)
			out = append(out, content[start:end])
		}
	}
	return out
}

// blockAnchorReplacer anchors on the trimmed first and last lines of a
// block of three or more lines and scores the interior by edit distance.
func blockAnchorReplacer(content, find string) []string {
	originalLines := strings.Split(content, "\n")
	searchLines := strings.Split(find, "\n")
	if len(searchLines) < 3 {
		return nil
	}
	searchLines = dropTrailingEmpty(searchLines)

	firstLine := strings.TrimSpace(searchLines[0])
	lastLine := strings.TrimSpace(searchLines[len(searchLines)-1])

	type candidate struct{ start, end int }
	var candidates []candidate
	for i := range originalLines {
		if strings.TrimSpace(originalLines[i]) != firstLine {
			continue
		}
		// Only the first closing anchor after each opening anchor counts.
		for j := i + 2; j < len(originalLines); j++ {
			if strings.TrimSpace(originalLines[j]) == lastLine {
				candidates = append(candidates, candidate{start: i, end: j})
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	similarity := func(c candidate) float64 {
		actual := c.end - c.start + 1
		linesToCheck := min(len(searchLines)-2, actual-2)
		if linesToCheck <= 0 {
			return 1.0
		}
		var total float64
		for j := 1; j < len(searchLines)-1 && j < actual-1; j++ {
			original := strings.TrimSpace(originalLines[c.start+j])
			search := strings.TrimSpace(searchLines[j])
			maxLen := max(utf8.RuneCountInString(original), utf8.RuneCountInString(search))
			if maxLen == 0 {
				continue
			}
			distance := levenshtein.ComputeDistance(original, search)
			total += 1 - float64(distance)/float64(maxLen)
		}
		return total / float64(linesToCheck)
	}

	if len(candidates) == 1 {
		c := candidates[0]
		if similarity(c) < SingleCandidateSimilarity {
			return nil
		}
		start, end := lineSpan(originalLines, c.start, c.end)
		return []string{content[start:end]}
	}

	best := -1
	bestScore := -1.0
	for i, c := range candidates {
		if s := similarity(c); s > bestScore {
			bestScore = s
			best = i
		}
	}
	if best < 0 || bestScore < MultipleCandidatesSimilarity {
		return nil
	}
	start, end := lineSpan(originalLines, candidates[best].start, candidates[best].end)
	return []string{content[start:end]}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// whitespaceNormalizedReplacer collapses whitespace runs before comparing,
// then recovers the original span that produced the match.
func whitespaceNormalizedReplacer(content, find string) []string {
	normalizedFind := normalizeWhitespace(find)
	lines := strings.Split(content, "\n")

	var out []string
	for _, line := range lines {
		normalizedLine := normalizeWhitespace(line)
		if normalizedLine == normalizedFind {
			out = append(out, line)
			continue
		}
		if !strings.Contains(normalizedLine, normalizedFind) {
			continue
		}
		words := strings.Fields(find)
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		re, err := regexp.Compile(strings.Join(words, `\s+`))
		if err != nil {
			continue
		}
		if m := re.FindString(line); m != "" {
			out = append(out, m)
		}
	}

	findLines := strings.Split(find, "\n")
	if len(findLines) > 1 {
		for i := 0; i <= len(lines)-len(findLines); i++ {
			block := strings.Join(lines[i:i+len(findLines)], "\n")
			if normalizeWhitespace(block) == normalizedFind {
				out = append(out, block)
			}
		}
	}
	return out
}

// indentationFlexibleReplacer strips the common leading indentation from
// both the search text and each candidate window before comparing.
func indentationFlexibleReplacer(content, find string) []string {
	normalizedFind := removeIndentation(find)
	contentLines := strings.Split(content, "\n")
	findLines := strings.Split(find, "\n")

	var out []string
	for i := 0; i <= len(contentLines)-len(findLines); i++ {
		block := strings.Join(contentLines[i:i+len(findLines)], "\n")
		if removeIndentation(block) == normalizedFind {
			out = append(out, block)
		}
	}
	return out
}

func removeIndentation(text string) string {
	lines := strings.Split(text, "\n")
	minIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if n := leadingSpace(line); minIndent < 0 || n < minIndent {
			minIndent = n
		}
	}
	if minIndent < 0 {
		return text
	}
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			lines[i] = dropIndent(line, minIndent)
		}
	}
	return strings.Join(lines, "\n")
}

// leadingSpace returns the number of leading whitespace runes of s.
func leadingSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			break
		}
		n++
	}
	return n
}

// dropIndent removes up to n leading whitespace runes from s.
func dropIndent(s string, n int) string {
	for i, r := range s {
		if n == 0 || !unicode.IsSpace(r) {
			return s[i:]
		}
		n--
	}
	return ""
}

var escapeSequence = regexp.MustCompile("\\\\(n|t|r|'|\"|`|\\\\|\n|\\$)")

func unescape(s string) string {
	return escapeSequence.ReplaceAllStringFunc(s, func(m string) string {
		switch m[1:] {
		case "n", "\n":
			return "\n"
		case "t":
			return "\t"
		case "r":
			return "\r"
		default:
			return m[1:]
		}
	})
}

// escapeNormalizedReplacer retries with common escape sequences in the
// search text resolved to their literal characters.
func escapeNormalizedReplacer(content, find string) []string {
	unescapedFind := unescape(find)

	var out []string
	if strings.Contains(content, unescapedFind) {
		out = append(out, unescapedFind)
	}

	lines := strings.Split(content, "\n")
	findLines := strings.Split(unescapedFind, "\n")
	for i := 0; i <= len(lines)-len(findLines); i++ {
		block := strings.Join(lines[i:i+len(findLines)], "\n")
		if unescape(block) == unescapedFind {
			out = append(out, block)
		}
	}
	return out
}

// lineSpan returns byte offsets covering lines[first..last] inclusive,
// excluding the newline after the last line.
func lineSpan(lines []string, first, last int) (int, int) {
	start := 0
	for k := 0; k < first; k++ {
		start += len(lines[k]) + 1
	}
	end := start
	for k := first; k <= last; k++ {
		end += len(lines[k])
		if k < last {
			end++
		}
	}
	return start, end
}

func dropTrailingEmpty(lines []string) []string {
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}
