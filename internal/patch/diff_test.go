package patch

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestUnifiedDiff_TrimsCommonIndent(t *testing.T) {
	before := "    x := 1\n    y := 2\n"
	after := "    x := 1\n    y := 3\n"

	d := UnifiedDiff("/workspace/main.go", before, after)

	for _, want := range []string{
		"--- /workspace/main.go\n",
		"+++ /workspace/main.go\n",
		"\n x := 1\n",
		"\n-y := 2\n",
		"\n+y := 3\n",
	} {
		if !strings.Contains(d, want) {
			t.Errorf("diff missing %q:\n%s", want, d)
		}
	}
}

func TestUnifiedDiff_Creation(t *testing.T) {
	d := UnifiedDiff("/workspace/new.txt", "", "hello\n")
	if !strings.Contains(d, "+hello") {
		t.Errorf("diff = %q, want added line", d)
	}
}

func TestTrimDiff_NoCommonIndent(t *testing.T) {
	in := "--- a\n+++ a\n@@ -1 +1 @@\n-x\n+  y\n"
	if got := TrimDiff(in); got != in {
		t.Errorf("TrimDiff changed diff without common indent:\n%s", got)
	}
}

func TestTrimDiff_BlankBodyLines(t *testing.T) {
	in := "@@ -1,3 +1,3 @@\n \t\tfoo()\n \n-\t\tbar()\n+\t\tbaz()\n"
	want := "@@ -1,3 +1,3 @@\n foo()\n \n-bar()\n+baz()\n"
	if got := TrimDiff(in); got != want {
		t.Errorf("TrimDiff = %q, want %q", got, want)
	}
}

func TestTrimDiff_MultibyteIndent(t *testing.T) {
	in := "@@ -1,2 +1,2 @@\n \u00a0\u00a0foo()\n-  bar()\n+  baz()\n"
	want := "@@ -1,2 +1,2 @@\n foo()\n-bar()\n+baz()\n"
	got := TrimDiff(in)
	if got != want {
		t.Errorf("TrimDiff = %q, want %q", got, want)
	}
	if !utf8.ValidString(got) {
		t.Errorf("TrimDiff produced invalid UTF-8: %q", got)
	}
}
