package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWritesTaggedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if l.Path() != path {
		t.Errorf("path = %q, want %q", l.Path(), path)
	}

	l.Log("service started, %d controllers", 2)
	l.SetPrefix("monitor")
	l.Log("press1 connected")
	l.LogError("press1", errors.New("connection refused"))

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("line count = %d, want 3: %q", len(lines), lines)
	}
	if !strings.HasSuffix(lines[0], "service started, 2 controllers") {
		t.Errorf("line 1 = %q", lines[0])
	}
	if strings.Contains(lines[0], "[monitor]") {
		t.Errorf("line 1 carries a prefix set afterwards: %q", lines[0])
	}
	if !strings.Contains(lines[1], "[monitor] press1 connected") {
		t.Errorf("line 2 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "[monitor] ERROR press1: connection refused") {
		t.Errorf("line 3 = %q", lines[2])
	}
}

func TestFileLoggerAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Log("first run")
	l.Close()

	l, err = NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Log("second run")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "first run") || !strings.Contains(text, "second run") {
		t.Errorf("log contents = %q", text)
	}
}

func TestFileLoggerCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")

	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	l.Log("dropped") // after close, must not panic
}
