package sharedbuf

import (
	"testing"

	"sos/defs"
)

func TestBufferRequiresAlloc(t *testing.T) {
	tbl := New()
	if _, err := tbl.Buffer(defs.Pid_t(1)); err == nil {
		t.Fatal("Buffer succeeded for a pid with no allocated buffer")
	}
}

func TestAllocThenFree(t *testing.T) {
	tbl := New()
	pid := defs.Pid_t(1)
	tbl.Alloc(pid)
	if _, err := tbl.Buffer(pid); err != nil {
		t.Fatalf("Buffer after Alloc: %v", err)
	}
	tbl.Free(pid)
	if _, err := tbl.Buffer(pid); err == nil {
		t.Fatal("Buffer succeeded after Free")
	}
}

func TestWriteStringThenReadString(t *testing.T) {
	tbl := New()
	pid := defs.Pid_t(1)
	tbl.Alloc(pid)
	if err := tbl.WriteString(pid, "/dev/console"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := tbl.ReadString(pid)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "/dev/console" {
		t.Fatalf("ReadString = %q, want %q", got, "/dev/console")
	}
}

func TestWriteStringTooLong(t *testing.T) {
	tbl := New()
	pid := defs.Pid_t(1)
	tbl.Alloc(pid)
	huge := make([]byte, Size+1)
	if err := tbl.WriteString(pid, string(huge)); err == nil {
		t.Fatal("WriteString succeeded for a string longer than the buffer")
	}
}

func TestReadStringUnterminated(t *testing.T) {
	tbl := New()
	pid := defs.Pid_t(1)
	tbl.Alloc(pid)
	b, _ := tbl.Buffer(pid)
	for i := range b {
		b[i] = 'x' // fill the whole buffer, leaving no NUL terminator
	}
	if _, err := tbl.ReadString(pid); err == nil {
		t.Fatal("ReadString succeeded on a buffer with no NUL terminator")
	}
}

func TestCopyInCopyOutRoundTrip(t *testing.T) {
	tbl := New()
	pid := defs.Pid_t(1)
	tbl.Alloc(pid)

	src := []byte("payload")
	n, err := tbl.CopyOut(pid, src)
	if err != nil || n != len(src) {
		t.Fatalf("CopyOut = (%d, %v), want (%d, nil)", n, err, len(src))
	}

	dst := make([]byte, len(src))
	n, err = tbl.CopyIn(pid, dst)
	if err != nil || n != len(src) {
		t.Fatalf("CopyIn = (%d, %v), want (%d, nil)", n, err, len(src))
	}
	if string(dst) != "payload" {
		t.Fatalf("CopyIn result = %q, want %q", dst, "payload")
	}
}

func TestCopyOutTruncatesToSize(t *testing.T) {
	tbl := New()
	pid := defs.Pid_t(1)
	tbl.Alloc(pid)

	big := make([]byte, Size+100)
	n, err := tbl.CopyOut(pid, big)
	if err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if n != Size {
		t.Fatalf("CopyOut copied %d bytes, want %d (truncated to buffer size)", n, Size)
	}
}
