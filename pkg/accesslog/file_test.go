package accesslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/janus/pkg/stats"
)

func testEntry(path string, code int) Entry {
	return Entry{
		Time:         time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		Method:       "GET",
		Path:         path,
		Protocol:     "HTTP/1.1",
		ResponseCode: code,
	}
}

func TestFileSinkWritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	scope := stats.NewStore(nil).Scope("access_log")
	sink, err := NewFileSink(path, time.Second, scope, nil, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	sink.Log(testEntry("/a", 200))
	sink.Log(testEntry("/b", 404))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"GET /a HTTP/1.1" 200`) {
		t.Errorf("line 0 = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"GET /b HTTP/1.1" 404`) {
		t.Errorf("line 1 = %s", lines[1])
	}
	if got := scope.Counter("written").Value(); got != 2 {
		t.Errorf("written = %d", got)
	}
	if got := scope.Counter("dropped").Value(); got != 0 {
		t.Errorf("dropped = %d", got)
	}
}

func TestFileSinkDropsWhenQueueFull(t *testing.T) {
	scope := stats.NewStore(nil).Scope("access_log")
	// No flush goroutine: the queue never drains, so the second entry
	// must be dropped without blocking.
	s := &FileSink{
		queue:   make(chan Entry, 1),
		dropped: scope.Counter("dropped"),
	}
	s.Log(testEntry("/a", 200))
	s.Log(testEntry("/b", 200))
	if got := scope.Counter("dropped").Value(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestFileSinkReopenAfterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	scope := stats.NewStore(nil).Scope("access_log")
	sink, err := NewFileSink(path, time.Second, scope, nil, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	sink.Log(testEntry("/before", 200))

	// Simulate rotation: move the file aside and ask for a reopen.
	rotated := filepath.Join(dir, "access.log.1")
	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("rename: %v", err)
	}
	sink.Reopen()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("file was not reopened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.Log(testEntry("/after", 200))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), "/after") {
		t.Errorf("new file missing post-rotation entry: %q", data)
	}
}
