// Package logpipe captures a child process's stdout/stderr into
// optionally timestamp-prefixed, size-rotated log files (spec.md §4.b). It mirrors the
// mutex-guarded file-writer shape the teacher uses for its own background
// capture component, adapted from line-oriented pane capture to
// line-oriented pipe capture.
package logpipe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MaxSize is the size, in bytes, a log file may reach before it is rotated.
const MaxSize = 10 * 1024 * 1024

// MaxBackups is how many rotated historical files are kept alongside the
// active log file.
const MaxBackups = 3

// Writer is an io.WriteCloser that line-buffers arbitrary writes, optionally
// prefixes each line with a timestamp, and rotates the backing file once it
// exceeds MaxSize.
type Writer struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	pending    []byte
	now        func() time.Time
	dateLayout string // empty means no timestamp prefix (spec.md §4.b)
	onRotate   func(path string)
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithClock overrides the timestamp source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithTimestampFormat turns on a per-line timestamp prefix using a Go
// reference-time layout, per spec.md §4.b ("if log_date_format is set, each
// complete line is prefixed with the current time formatted accordingly").
// An empty layout leaves timestamping off, the default.
func WithTimestampFormat(goLayout string) Option {
	return func(w *Writer) { w.dateLayout = goLayout }
}

// WithRotateHook registers a callback invoked after a successful rotation,
// receiving the path of the newly rotated-in file.
func WithRotateHook(fn func(path string)) Option {
	return func(w *Writer) { w.onRotate = fn }
}

// New opens (creating if necessary) the log file at path and returns a
// Writer ready to receive output.
func New(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file %q: %w", path, err)
	}

	w := &Writer{
		path: path,
		file: f,
		size: info.Size(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write implements io.Writer. It buffers bytes until a newline is seen,
// writing each completed line, with a timestamp prefix when a timestamp
// format is configured. A final partial line
// is flushed (without a prefix repeat on the next call) when Close is
// invoked.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := indexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := w.pending[:idx+1]
		if err := w.writeLineLocked(line); err != nil {
			return 0, err
		}
		w.pending = w.pending[idx+1:]
	}
	return len(p), nil
}

func (w *Writer) writeLineLocked(line []byte) error {
	if err := w.rotateIfNeededLocked(); err != nil {
		return err
	}
	var n int
	if w.dateLayout != "" {
		prefix := w.now().UTC().Format(w.dateLayout) + " "
		var err error
		n, err = w.file.WriteString(prefix)
		if err != nil {
			return fmt.Errorf("write log line: %w", err)
		}
	}
	m, err := w.file.Write(line)
	if err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	w.size += int64(n + m)
	return nil
}

func (w *Writer) rotateIfNeededLocked() error {
	if w.size < MaxSize {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file before rotation: %w", err)
	}

	// Shift path.(N-1) -> path.N down to path.1 -> path.2, overwriting
	// whatever already occupies the destination (the oldest backup falls
	// off the end).
	for i := MaxBackups - 1; i >= 1; i-- {
		src := rotatedPath(w.path, i)
		dst := rotatedPath(w.path, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if err := os.Rename(w.path, rotatedPath(w.path, 1)); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log file after rotation: %w", err)
	}
	w.file = f
	w.size = 0
	if w.onRotate != nil {
		w.onRotate(w.path)
	}
	return nil
}

func rotatedPath(path string, gen int) string {
	return fmt.Sprintf("%s.%d", path, gen)
}

// strftimeDirectives maps the subset of strftime conversion specifiers
// pm3.toml's log_date_format accepts to their Go reference-time layout
// equivalent.
var strftimeDirectives = map[byte]string{
	'Y': "2006", 'y': "06",
	'm': "01", 'd': "02",
	'H': "15", 'I': "03",
	'M': "04", 'S': "05",
	'p': "PM", 'Z': "MST", 'z': "-0700",
	'b': "Jan", 'B': "January",
	'a': "Mon", 'A': "Monday",
}

// StrftimeToGoLayout translates a strftime-style pattern (as pm3.toml's
// log_date_format documents it) into the equivalent Go time.Format layout.
// Unrecognized directives and any other byte pass through unchanged.
func StrftimeToGoLayout(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '%' && i+1 < len(pattern) {
			if layout, ok := strftimeDirectives[pattern[i+1]]; ok {
				b.WriteString(layout)
				i++
				continue
			}
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}

// Close flushes any buffered partial line and closes the backing file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		line := append(w.pending, '\n')
		if err := w.writeLineLocked(line); err != nil {
			w.file.Close()
			return err
		}
		w.pending = nil
	}
	return w.file.Close()
}

// Pump copies r to w line by line until r returns EOF or an error, then
// closes neither (callers own both lifetimes). It is intended to be run in
// its own goroutine per pipe (stdout, stderr).
func Pump(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(w, scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read pipe: %w", err)
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
