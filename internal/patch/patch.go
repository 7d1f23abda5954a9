// Package patch locates and replaces text in file content using a cascade
// of increasingly lenient matching strategies. It backs both live edits
// and transcript replay, so the same inputs always produce the same output.
package patch

import (
	"errors"
	"strings"
)

var (
	// ErrNoOp is returned when oldString and newString are identical.
	ErrNoOp = errors.New("patch: oldString and newString must be different")
	// ErrNotFound is returned when no strategy matches the search text.
	ErrNotFound = errors.New("patch: oldString not found in content")
	// ErrAmbiguous is returned when matches exist but none is unique.
	ErrAmbiguous = errors.New("patch: oldString found multiple times and requires more code context to uniquely identify the intended match")
)

// Match is a unique location of the search text in the content.
type Match struct {
	Start    int    // byte offset of the first matched byte
	End      int    // byte offset one past the last matched byte
	Text     string // the matched span as it appears in content
	Strategy string // name of the strategy that produced the match
}

// LocateUnique returns the first span, in strategy order, that occurs
// exactly once in content.
func LocateUnique(content, find string) (Match, error) {
	if find == "" {
		return Match{}, ErrNotFound
	}
	found := false
	for _, s := range strategies {
		for _, search := range s.fn(content, find) {
			if search == "" {
				continue
			}
			idx := strings.Index(content, search)
			if idx < 0 {
				continue
			}
			found = true
			if idx != strings.LastIndex(content, search) {
				continue
			}
			return Match{Start: idx, End: idx + len(search), Text: search, Strategy: s.name}, nil
		}
	}
	if found {
		return Match{}, ErrAmbiguous
	}
	return Match{}, ErrNotFound
}

// Replace swaps oldString for newString in content.
//
// With replaceAll set, every occurrence of the first span any strategy
// finds is replaced. Otherwise the span must be unique in content.
// An empty oldString never matches; callers treat it as file creation.
func Replace(content, oldString, newString string, replaceAll bool) (string, error) {
	if oldString == newString {
		return "", ErrNoOp
	}
	if oldString == "" {
		return "", ErrNotFound
	}

	found := false
	for _, s := range strategies {
		for _, search := range s.fn(content, oldString) {
			if search == "" {
				continue
			}
			idx := strings.Index(content, search)
			if idx < 0 {
				continue
			}
			found = true
			if replaceAll {
				return strings.ReplaceAll(content, search, newString), nil
			}
			if idx != strings.LastIndex(content, search) {
				continue
			}
			return content[:idx] + newString + content[idx+len(search):], nil
		}
	}

	if !found {
		return "", ErrNotFound
	}
	return "", ErrAmbiguous
}
