package asynclog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesAppendedLinesToFile(t *testing.T) {
	dir := chdirTemp(t)
	basename := "app"

	logger := NewLogger(Options{Basename: basename, RollSize: 1 << 20, FlushInterval: 50 * time.Millisecond})
	if err := logger.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	logger.Append([]byte("hello world\n"))
	logger.Stop()

	data := readAllLogFiles(t, dir)
	if !strings.Contains(data, "hello world") {
		t.Fatalf("log output = %q, want it to contain %q", data, "hello world")
	}
}

func TestLoggerFlushesOnIntervalWithoutFillingBuffer(t *testing.T) {
	dir := chdirTemp(t)
	basename := "app"

	logger := NewLogger(Options{Basename: basename, RollSize: 1 << 20, FlushInterval: 20 * time.Millisecond})
	if err := logger.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer logger.Stop()

	logger.Append([]byte("partial line\n"))
	time.Sleep(100 * time.Millisecond)

	data := readAllLogFiles(t, dir)
	if !strings.Contains(data, "partial line") {
		t.Fatalf("expected flush-interval-driven write to have happened, got %q", data)
	}
}

// TestLoggerDropsUnderSustainedOverload drives the drop-on-overload
// policy directly through drainOnce rather than via Append+the real
// background goroutine: racing Append calls against a live goroutine
// draining concurrently cannot deterministically produce a backlog
// deeper than DropThreshold, since the goroutine may drain after every
// single buffer fills. White-box: this test lives in package asynclog.
func TestLoggerDropsUnderSustainedOverload(t *testing.T) {
	dir := chdirTemp(t)
	basename := "app"

	logger := NewLogger(Options{
		Basename:        basename,
		RollSize:        1 << 30,
		DropThreshold:   2,
		RetainAfterDrop: 1,
	})

	file, err := NewLogFile(basename, LogFileOptions{RollSize: 1 << 30})
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer file.Close()

	// Simulate 5 filled buffers queued before the back end gets a
	// chance to drain, exceeding DropThreshold (2).
	for i := 0; i < 5; i++ {
		logger.buffers = append(logger.buffers, newLogBuffer())
	}

	logger.drainOnce(file, newLogBuffer(), newLogBuffer())
	_ = file.Flush()

	data := readAllLogFiles(t, dir)
	if !strings.Contains(data, "Dropped log messages") {
		t.Fatalf("expected a drop diagnostic line, got log containing %d bytes", len(data))
	}
}

func readAllLogFiles(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sb strings.Builder
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		sb.Write(b)
	}
	return sb.String()
}
