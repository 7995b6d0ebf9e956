package asynclog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// rollPeriod is a calendar day in seconds, muduo's kRollPerSeconds_.
const rollPeriod = 60 * 60 * 24

// LogFileOptions configures a LogFile. The zero value is not usable;
// construct via NewLogFile, which fills in muduo's documented
// defaults for a zero FlushInterval or CheckEveryN. RollSize has no
// default.
type LogFileOptions struct {
	// RollSize rolls to a new file once written bytes exceed this.
	RollSize int64
	// FlushInterval is the minimum gap between background flushes.
	FlushInterval time.Duration
	// CheckEveryN is how many append calls elapse between the
	// roll/flush bookkeeping check (spec.md §4.10 default 1024).
	CheckEveryN int
	// ThreadSafe guards every append/flush with an internal mutex.
	// The async logger's own back end is single-threaded and passes
	// false; direct multi-producer use should pass true.
	ThreadSafe bool
}

func (o LogFileOptions) withDefaults() LogFileOptions {
	if o.FlushInterval == 0 {
		o.FlushInterval = 3 * time.Second
	}
	if o.CheckEveryN == 0 {
		o.CheckEveryN = 1024
	}
	return o
}

// LogFile rolls a basename into timestamped files by size or UTC day
// boundary, grounded on muduo's base/LogFile.cc.
type LogFile struct {
	basename string
	opts     LogFileOptions

	mu   *sync.Mutex // nil when !ThreadSafe
	file *appendFile

	count         int
	startOfPeriod time.Time
	lastRoll      time.Time
	lastFlush     time.Time
}

// NewLogFile creates a LogFile and rolls an initial file immediately,
// matching the constructor's eager rollFile() call. basename must not
// contain '/'.
func NewLogFile(basename string, opts LogFileOptions) (*LogFile, error) {
	if strings.ContainsRune(basename, '/') {
		return nil, fmt.Errorf("asynclog: basename %q must not contain '/'", basename)
	}
	opts = opts.withDefaults()
	lf := &LogFile{basename: basename, opts: opts}
	if opts.ThreadSafe {
		lf.mu = &sync.Mutex{}
	}
	if _, err := lf.rollFile(time.Now().UTC()); err != nil {
		return nil, err
	}
	return lf, nil
}

// Append writes logline to the current file, handling size-triggered
// rolls and the periodic day-boundary/flush check.
func (lf *LogFile) Append(logline []byte) error {
	if lf.mu != nil {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	return lf.appendLocked(logline)
}

func (lf *LogFile) appendLocked(logline []byte) error {
	if err := lf.file.append(logline); err != nil {
		return err
	}

	if lf.file.writtenBytesCount() > lf.opts.RollSize {
		_, err := lf.rollFile(time.Now().UTC())
		return err
	}

	lf.count++
	if lf.count < lf.opts.CheckEveryN {
		return nil
	}
	lf.count = 0

	now := time.Now().UTC()
	thisPeriod := now.Truncate(rollPeriod * time.Second)
	if !thisPeriod.Equal(lf.startOfPeriod) {
		_, err := lf.rollFile(now)
		return err
	}
	if now.Sub(lf.lastFlush) > lf.opts.FlushInterval {
		lf.lastFlush = now
		return lf.file.flush()
	}
	return nil
}

// Flush flushes the current file's buffered writer.
func (lf *LogFile) Flush() error {
	if lf.mu != nil {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	return lf.file.flush()
}

// rollFile opens a new timestamped file, refusing to roll twice within
// the same second (muduo: "if now > lastRoll_").
func (lf *LogFile) rollFile(now time.Time) (bool, error) {
	if now.Unix() <= lf.lastRoll.Unix() {
		return false, nil
	}
	filename := logFileName(lf.basename, now)
	f, err := newAppendFile(filename)
	if err != nil {
		return false, err
	}
	if lf.file != nil {
		_ = lf.file.close()
	}
	lf.file = f
	lf.lastRoll = now
	lf.lastFlush = now
	lf.startOfPeriod = now.Truncate(rollPeriod * time.Second)
	return true, nil
}

// logFileName builds basename.YYYYMMDD-HHMMSS.hostname.pid.log, UTC,
// per spec.md §6 and muduo's getLogFileName (gmtime_r).
func logFileName(basename string, now time.Time) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknownhost"
	}
	return fmt.Sprintf("%s.%s.%s.%d.log", basename, now.Format("20060102-150405"), host, os.Getpid())
}

// Close flushes and closes the current underlying file.
func (lf *LogFile) Close() error {
	if lf.mu != nil {
		lf.mu.Lock()
		defer lf.mu.Unlock()
	}
	return lf.file.close()
}

// appendFile wraps a buffered append-mode file handle, mirroring
// muduo's FileUtil::AppendFile (fopen "ae" + setbuffer).
type appendFile struct {
	f            *os.File
	w            *bufio.Writer
	writtenBytes int64
}

func newAppendFile(filename string) (*appendFile, error) {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &appendFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (a *appendFile) append(logline []byte) error {
	n, err := a.w.Write(logline)
	a.writtenBytes += int64(n)
	return err
}

func (a *appendFile) writtenBytesCount() int64 { return a.writtenBytes }

func (a *appendFile) flush() error { return a.w.Flush() }

func (a *appendFile) close() error {
	if a.f == nil {
		return nil
	}
	_ = a.w.Flush()
	return a.f.Close()
}
