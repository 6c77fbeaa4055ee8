// Package editor is the boundary to the editor a client or server is
// attached to. The protocol side only talks to the Editor interface; Dir
// is a stand-alone implementation over a directory tree.
package editor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrOutsideRoot    = errors.New("path escapes editor root")
	ErrUnknownCommand = errors.New("unknown command")
)

// Entry is one item of a directory listing.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Editor is what the protocol needs from the host editor. Output methods
// and ScheduleAsync must be safe to call from any goroutine.
type Editor interface {
	WriteOutput(s string)
	WriteError(s string)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	ListFiles(path string) ([]Entry, error)
	Command(name, args string) (string, error)
	// ScheduleAsync queues fn to run on the editor's own goroutine.
	ScheduleAsync(fn func())
}

// Dir serves files below Root and writes output to Out and Err.
type Dir struct {
	Root string
	Out  io.Writer
	Err  io.Writer

	mu    sync.Mutex // serializes Out/Err writes
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// NewDir creates a Dir rooted at root and starts its async worker. Call
// Close to stop it.
func NewDir(root string, out, errw io.Writer) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("editor root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("editor root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("editor root %s is not a directory", abs)
	}
	if out == nil {
		out = io.Discard
	}
	if errw == nil {
		errw = io.Discard
	}

	d := &Dir{
		Root:  abs,
		Out:   out,
		Err:   errw,
		queue: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go d.worker()
	return d, nil
}

func (d *Dir) worker() {
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.done:
			return
		}
	}
}

// ScheduleAsync runs fn on the Dir's worker, in submission order. Calls after
// Close are dropped.
func (d *Dir) ScheduleAsync(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

// Close stops the async worker. Queued calls that have not started are
// dropped.
func (d *Dir) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

func (d *Dir) WriteOutput(s string) {
	d.write(d.Out, s)
}

func (d *Dir) WriteError(s string) {
	d.write(d.Err, s)
}

func (d *Dir) write(w io.Writer, s string) {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	io.WriteString(w, s)
}

// resolve maps a slash-separated path relative to Root onto the filesystem.
// Empty and "." name the root itself.
func (d *Dir) resolve(path string) (string, error) {
	p := filepath.FromSlash(strings.TrimPrefix(path, "./"))
	if p == "" || p == "." {
		return d.Root, nil
	}
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	return filepath.Join(d.Root, p), nil
}

func (d *Dir) ReadFile(path string) ([]byte, error) {
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// WriteFile replaces path atomically: data goes to a temporary file in the
// same directory which is then renamed over the target.
func (d *Dir) WriteFile(path string, data []byte) error {
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if full == d.Root {
		return fmt.Errorf("%w: cannot write the root directory", ErrOutsideRoot)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), full)
}

// ListFiles returns the entries of the directory at path sorted by name.
func (d *Dir) ListFiles(path string) ([]Entry, error) {
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(des))
	for _, de := range des {
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if !e.IsDir {
			if info, err := de.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Command runs one of the built-in commands: echo returns its arguments,
// pwd returns the root directory.
func (d *Dir) Command(name, args string) (string, error) {
	switch name {
	case "echo":
		return args, nil
	case "pwd":
		return d.Root, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}
