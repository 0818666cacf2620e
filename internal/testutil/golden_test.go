package testutil_test

import (
	"testing"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/testutil"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"CRLF to LF", "line1\r\nline2\r\n", "line1\nline2"},
		{"trailing whitespace", "line1   \nline2\t\n", "line1\nline2"},
		{"trailing newlines", "line1\n\n\n", "line1"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, testutil.Normalize(tt.input), tt.want)
		})
	}
}

func TestScrub(t *testing.T) {
	in := "workflow 550e8400-e29b-41d4-a716-446655440000 created 2026-01-15T10:30:45Z took 1.5s  \r\n"
	got := testutil.Scrub(in)
	testutil.AssertEqual(t, got, "workflow [UUID] created [TIMESTAMP] took [DURATION]")
}

func TestGolden_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	testutil.TempFile(t, dir, "status.golden", "wf-1 completed\n")
	testutil.NewGolden(t, dir).AssertString("status", "wf-1 completed")
}
