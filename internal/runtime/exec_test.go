package runtime

import (
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "override existing key",
			base:      []string{"A=1", "B=2"},
			overrides: []string{"A=override"},
			want:      []string{"A=override", "B=2"},
		},
		{
			name:      "add new key",
			base:      []string{"A=1"},
			overrides: []string{"B=2"},
			want:      []string{"A=1", "B=2"},
		},
		{
			name:      "empty base",
			base:      nil,
			overrides: []string{"A=1"},
			want:      []string{"A=1"},
		},
		{
			name:      "empty overrides",
			base:      []string{"A=1"},
			overrides: nil,
			want:      []string{"A=1"},
		},
		{
			name:      "both empty",
			base:      nil,
			overrides: nil,
			want:      []string{},
		},
		{
			name:      "sorted output",
			base:      []string{"PATH=/usr/bin", "HOME=/root"},
			overrides: []string{"KILN_LAYER=os"},
			want:      []string{"HOME=/root", "KILN_LAYER=os", "PATH=/usr/bin"},
		},
		{
			name:      "value with equals sign",
			base:      []string{"CMD=foo=bar"},
			overrides: nil,
			want:      []string{"CMD=foo=bar"},
		},
		{
			name:      "malformed entries skipped",
			base:      []string{"NOEQUALS", "A=1"},
			overrides: []string{"ALSO_BAD", "B=2"},
			want:      []string{"A=1", "B=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("env mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNextExecID(t *testing.T) {
	a := nextExecID()
	b := nextExecID()
	if a == b {
		t.Fatalf("nextExecID returned duplicate: %q", a)
	}
	if a == "" || b == "" {
		t.Fatal("nextExecID returned empty string")
	}
}

func TestEOFReader(t *testing.T) {
	r := newEOFReader(strings.NewReader("archive"))

	select {
	case <-r.done:
		t.Fatal("done before EOF")
	default:
	}

	data, err := io.ReadAll(r)
	if err != nil || string(data) != "archive" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}

	select {
	case <-r.done:
	default:
		t.Fatal("done not closed after EOF")
	}

	// Further reads past EOF must not close the channel again.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
