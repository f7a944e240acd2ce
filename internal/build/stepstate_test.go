package build

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cruciblehq/kiln/internal/recipe"
)

func TestNewStepState(t *testing.T) {
	s := newStepState()
	if s.shell != defaultShell {
		t.Fatalf("shell = %q, want %q", s.shell, defaultShell)
	}
	if s.workdir != "" || len(s.env) != 0 {
		t.Fatalf("state = %+v, want defaults", s)
	}
}

func TestApply(t *testing.T) {
	s := newStepState()

	steps := []recipe.Step{
		{Shell: "/bin/bash"},
		{Workdir: "/src"},
		{Env: map[string]string{"A": "1", "B": "2"}},
		{Env: map[string]string{"A": "override"}},
		{},
	}
	for _, step := range steps {
		s.apply(step)
	}

	if s.shell != "/bin/bash" || s.workdir != "/src" {
		t.Fatalf("shell, workdir = %q, %q", s.shell, s.workdir)
	}
	if diff := cmp.Diff(map[string]string{"A": "override", "B": "2"}, s.env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		state       recipe.Step
		step        recipe.Step
		wantShell   string
		wantWorkdir string
		wantEnv     map[string]string
	}{
		{
			name:        "inherits state",
			state:       recipe.Step{Shell: "/bin/bash", Workdir: "/src", Env: map[string]string{"K": "v"}},
			step:        recipe.Step{Run: "make"},
			wantShell:   "/bin/bash",
			wantWorkdir: "/src",
			wantEnv:     map[string]string{"K": "v"},
		},
		{
			name:        "step overrides",
			state:       recipe.Step{Shell: "/bin/bash", Workdir: "/src", Env: map[string]string{"K": "base"}},
			step:        recipe.Step{Run: "make", Shell: "/bin/ash", Workdir: "/tmp", Env: map[string]string{"K": "step", "J": "1"}},
			wantShell:   "/bin/ash",
			wantWorkdir: "/tmp",
			wantEnv:     map[string]string{"K": "step", "J": "1"},
		},
		{
			name:      "defaults",
			step:      recipe.Step{Run: "true"},
			wantShell: defaultShell,
			wantEnv:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStepState()
			s.apply(tt.state)
			before := *s

			got := s.resolve(tt.step)
			if got.shell != tt.wantShell || got.workdir != tt.wantWorkdir {
				t.Fatalf("shell, workdir = %q, %q; want %q, %q", got.shell, got.workdir, tt.wantShell, tt.wantWorkdir)
			}
			if diff := cmp.Diff(tt.wantEnv, got.env); diff != "" {
				t.Fatalf("env mismatch (-want +got):\n%s", diff)
			}
			if s.shell != before.shell || s.workdir != before.workdir || len(s.env) != len(tt.state.Env) {
				t.Fatal("resolve mutated the persistent state")
			}
		})
	}
}

func TestEnviron(t *testing.T) {
	s := newStepState()
	if len(s.environ(nil)) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s.apply(recipe.Step{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root", "KILN_PARAM_BOARD": "mine"}})
	env := s.environ(map[string]string{"KILN_PARAM_BOARD": "rpi4", "KILN_LAYER": "os"})

	want := []string{"HOME=/root", "KILN_LAYER=os", "KILN_PARAM_BOARD=mine", "PATH=/usr/bin"}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Fatalf("environ mismatch (-want +got):\n%s", diff)
	}
}
