package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KB",
		1536:            "1.5 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "pimsync "+version {
		t.Errorf("version output = %q", got)
	}
}

func TestResolveCommand_RejectsBadKeep(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"resolve", "7", "--keep", "both"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--keep") {
		t.Errorf("Execute = %v, want a --keep error", err)
	}
}

func TestStatusCommand_MissingConfig(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--config", t.TempDir() + "/missing.yaml"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "missing.yaml") {
		t.Errorf("status output = %q, want it to name the config path", out.String())
	}
}
