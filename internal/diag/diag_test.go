package diag

import (
	"os"
	"testing"
)

func TestSetLevelGatesDprintf(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	origLevel := Level
	defer SetLevel(int(origLevel))

	SetLevel(1)
	Dprintf(2, "suppressed\n")
	Dprintf(1, "shown\n")
	w.Close()

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	got := string(buf[:n])
	if got != "shown\n" {
		t.Fatalf("stderr output = %q, want %q", got, "shown\n")
	}
}

func TestSetLevelRaisesThreshold(t *testing.T) {
	origLevel := Level
	defer SetLevel(int(origLevel))

	SetLevel(0)
	if Level != 0 {
		t.Fatalf("Level = %d, want 0", Level)
	}
	SetLevel(5)
	if Level != 5 {
		t.Fatalf("Level = %d, want 5", Level)
	}
}
