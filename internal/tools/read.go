package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
	binarySampleSize = 4096
)

var imageExts = map[string]string{
	".png":  "PNG",
	".jpg":  "JPEG",
	".jpeg": "JPEG",
	".gif":  "GIF",
	".bmp":  "BMP",
	".webp": "WebP",
}

var binaryExts = map[string]bool{
	".zip": true, ".tar": true, ".gz": true, ".exe": true, ".dll": true,
	".so": true, ".class": true, ".jar": true, ".war": true, ".7z": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true,
	".pptx": true, ".odt": true, ".ods": true, ".odp": true, ".bin": true,
	".dat": true, ".obj": true, ".o": true, ".a": true, ".lib": true,
	".wasm": true, ".pyc": true, ".pyo": true,
}

type readTool struct{}

type readInput struct {
	FilePath string `json:"filePath"`
	Offset   *int   `json:"offset,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
}

func (readTool) Name() string { return "read" }

func (readTool) Description() string {
	return strings.Join([]string{
		"Reads a file from the sandbox workspace.",
		"- The filePath parameter must be an absolute path, not a relative path",
		"- By default, it reads up to 2000 lines starting from the beginning of the file",
		"- offset (0-based) and limit select a range of lines",
		"- Any lines longer than 2000 characters will be truncated",
		"- Results are returned with line numbers starting at 1",
		"- This tool cannot read binary files, including images",
	}, "\n")
}

func (readTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` +
		`"filePath":{"type":"string","description":"The path to the file to read"},` +
		`"offset":{"type":"number","description":"The line number to start reading from (0-based)"},` +
		`"limit":{"type":"number","description":"The number of lines to read (defaults to 2000)"}},` +
		`"required":["filePath"]}`)
}

func (readTool) Execute(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in readInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(in.FilePath, "/") {
		return nil, fmt.Errorf("The filePath parameter must be an absolute path")
	}
	ws := env.workspace()
	if err := checkWorkspacePath(in.FilePath, ws); err != nil {
		return nil, fmt.Errorf("File %s is not in the workspace root (%s)", in.FilePath, ws)
	}

	offset := 0
	if in.Offset != nil && *in.Offset >= 0 {
		offset = *in.Offset
	}
	limit := defaultReadLimit
	if in.Limit != nil && *in.Limit > 0 {
		limit = *in.Limit
	}

	exists, err := env.Session.FileExists(ctx, in.FilePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		if suggestions := suggestFiles(ctx, env, in.FilePath); len(suggestions) > 0 {
			return nil, fmt.Errorf("File not found: %s\n\nDid you mean one of these?\n%s", in.FilePath, strings.Join(suggestions, "\n"))
		}
		return nil, fmt.Errorf("File not found: %s", in.FilePath)
	}

	ext := strings.ToLower(path.Ext(in.FilePath))
	if kind, ok := imageExts[ext]; ok {
		return nil, fmt.Errorf("This is an image file of type: %s. Use a different tool to process images.", kind)
	}
	if binaryExts[ext] {
		return nil, fmt.Errorf("Cannot read binary file (extension %s): %s", ext, in.FilePath)
	}

	content, err := env.Session.ReadFile(ctx, in.FilePath)
	if err != nil {
		return nil, err
	}
	sample := content
	if len(sample) > binarySampleSize {
		sample = sample[:binarySampleSize]
	}
	if isProbablyBinary([]byte(sample)) {
		return nil, fmt.Errorf("Cannot read binary file: %s", in.FilePath)
	}

	return formatFile(content, offset, limit)
}

// formatFile renders lines [offset, offset+limit) with 5-digit numbering.
func formatFile(content string, offset, limit int) (string, error) {
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}
	total := len(lines)
	if total != 0 && offset >= total {
		return "", fmt.Errorf("Offset %d beyond end of file (only %d lines)", offset, total)
	}

	end := total
	if limit < total-offset {
		end = offset + limit
	}
	var window []string
	if offset < end {
		window = lines[offset:end]
	}

	var b strings.Builder
	b.WriteString("<file>\n")
	switch {
	case total == 0:
		b.WriteString("(File is empty)")
	case len(window) == 0:
		b.WriteString("(No lines returned for given range)")
	default:
		for i, line := range window {
			if i > 0 {
				b.WriteByte('\n')
			}
			if utf8.RuneCountInString(line) > maxLineLength {
				line = string([]rune(line)[:maxLineLength]) + "..."
			}
			fmt.Fprintf(&b, "%05d| %s", offset+i+1, line)
		}
	}
	if total > offset+len(window) {
		fmt.Fprintf(&b, "\n\n(File has more lines. Use 'offset' parameter to read beyond line %d)", offset+len(window))
	}
	b.WriteString("\n</file>")
	return b.String(), nil
}

// isProbablyBinary reports a NUL byte or more than 30% control characters.
func isProbablyBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	nonPrintable := 0
	for _, c := range sample {
		if c == 0 {
			return true
		}
		if c < 9 || (c > 13 && c < 32) {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(sample)) > 0.3
}

// suggestFiles lists up to three entries of the parent directory whose
// names contain, or are contained in, the requested base name.
func suggestFiles(ctx context.Context, env Env, filePath string) []string {
	dir := path.Dir(filePath)
	base := strings.ToLower(path.Base(filePath))

	names, err := env.Session.ListDir(ctx, dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.Contains(lower, base) && !strings.Contains(base, lower) {
			continue
		}
		out = append(out, path.Join(dir, name))
		if len(out) == 3 {
			break
		}
	}
	return out
}
