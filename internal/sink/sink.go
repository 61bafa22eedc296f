// Package sink drains a child process's stdout/stderr into a per-attempt
// log file without blocking the spawner or teardown.
package sink

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

const tailLines = 20

// Sink owns one attempt log and the two goroutines draining the child's
// pipes into it. The last lines are kept in memory so an early crash can be
// reported with its output.
type Sink struct {
	name string
	path string

	mu   sync.Mutex
	file *os.File
	tail []string

	wg   sync.WaitGroup
	done chan struct{}
}

// Open creates a fresh per-attempt log file named after the service and the
// attempt timestamp, and writes a header identifying the exact invocation.
func Open(dir, name string, argv []string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("20060102150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640) // #nosec G304 -- path built from a validated service name
	if err != nil {
		// Two attempts within the same second collide on the name; retry
		// with nanosecond precision.
		path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("20060102150405.000000000")))
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("open attempt log: %w", err)
		}
	}
	s := &Sink{name: name, path: path, file: f, done: make(chan struct{})}
	s.writeLine(fmt.Sprintf("=== service start %s ===", time.Now().Format(time.RFC3339)))
	s.writeLine("command: " + strings.Join(argv, " "))
	s.writeLine("")
	return s, nil
}

// LogPath returns the attempt log path.
func (s *Sink) LogPath() string { return s.path }

// Attach starts draining stdout and stderr. It returns immediately; the
// drain goroutines run until both pipes hit EOF or Join times out.
func (s *Sink) Attach(stdout, stderr io.Reader) {
	s.wg.Add(2)
	go s.drain(stdout, "out")
	go s.drain(stderr, "err")
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

func (s *Sink) drain(pipe io.Reader, kind string) {
	defer s.wg.Done()
	if pipe == nil {
		return
	}
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	prefix := fmt.Sprintf("[%s-%s] ", s.name, kind)
	for sc.Scan() {
		s.writeLine(prefix + sc.Text())
	}
}

func (s *Sink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_, _ = s.file.WriteString(line + "\n")
	}
	s.tail = append(s.tail, line)
	if len(s.tail) > tailLines {
		s.tail = s.tail[len(s.tail)-tailLines:]
	}
}

// Tail returns a copy of the last captured log lines.
func (s *Sink) Tail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tail))
	copy(out, s.tail)
	return out
}

// Join waits up to timeout for both drain goroutines, then closes the log
// file. A stuck pipe reader therefore cannot hang process teardown; its
// writes after the timeout go nowhere.
func (s *Sink) Join(timeout time.Duration) {
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
	s.mu.Lock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()
}
