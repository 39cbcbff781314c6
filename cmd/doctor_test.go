package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedact_Empty(t *testing.T) {
	if got := redact("", 2); got != "(not set)" {
		t.Errorf("redact(\"\", 2): got %q", got)
	}
}

func TestRedact_Short(t *testing.T) {
	if got := redact("ab", 2); got != "***" {
		t.Errorf("redact(\"ab\", 2): got %q want ***", got)
	}
}

func TestRedact_Long(t *testing.T) {
	if got := redact("abcdefgh", 2); got != "ab...gh" {
		t.Errorf("redact(\"abcdefgh\", 2): got %q want ab...gh", got)
	}
}

func TestExecute_DoctorFreshDir(t *testing.T) {
	dir := useDataDir(t)
	missing := filepath.Join(dir, "not-yet")
	t.Setenv("TENDRIL_DATA_DIR", missing)

	out, err := run(t, "doctor")
	if err != nil {
		t.Fatalf("doctor should only warn on a fresh setup: %v", err)
	}
	if !strings.Contains(out, "Data directory does not exist") {
		t.Errorf("doctor output: %q", out)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("doctor without --fix must not create the data directory")
	}
}

func TestExecute_DoctorFix(t *testing.T) {
	dir := useDataDir(t)
	missing := filepath.Join(dir, "fixme")
	t.Setenv("TENDRIL_DATA_DIR", missing)

	out, err := run(t, "doctor", "--fix")
	if err != nil {
		t.Fatalf("doctor --fix: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(missing, "identity.key")); err != nil {
		t.Errorf("identity key should have been generated: %v", err)
	}
	if !strings.Contains(out, "FIXED") {
		t.Errorf("doctor output: %q", out)
	}
	if err := doctorCmd.Flags().Set("fix", "false"); err != nil {
		t.Fatal(err)
	}
}
