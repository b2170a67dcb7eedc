// Package proc supervises external child processes for zaplink.
//
// It wraps os/exec with the pipe wiring the capture and encoder pipelines
// need: every spawned child is reaped exactly once by a background waiter,
// and parent-side pipe ends are plain *os.File values so a child exiting is
// observed as EOF by the relay loop rather than a forcibly closed reader.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultTerminateGrace is how long Terminate waits for a polite exit
// before escalating to SIGKILL.
const DefaultTerminateGrace = 500 * time.Millisecond

// ErrEmptyArgv is returned by Spawn when no command is given.
var ErrEmptyArgv = errors.New("proc: empty argv")

// Status describes the liveness of a spawned child.
type Status int

const (
	// StatusAlive means the child is running.
	StatusAlive Status = iota
	// StatusExited means the child has exited and been reaped.
	StatusExited
	// StatusUnknown means the child's state could not be determined,
	// typically between exit and reaping.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// PollResult is the outcome of a non-blocking liveness test.
type PollResult struct {
	Status   Status
	ExitCode int // meaningful only when Status == StatusExited
}

type ioKind int

const (
	ioInherit ioKind = iota
	ioPipe
	ioDevNull
	ioFD
)

// IO selects how a child's stdin or stdout is wired.
type IO struct {
	kind ioKind
	file *os.File
}

// Inherit wires the stream to the parent's corresponding stream.
func Inherit() IO { return IO{kind: ioInherit} }

// Pipe creates a new pipe; the parent-side end is exposed on the Handle.
func Pipe() IO { return IO{kind: ioPipe} }

// DevNull wires the stream to the null device.
func DevNull() IO { return IO{kind: ioDevNull} }

// FD wires the stream to an existing descriptor, typically the end of a
// pipe shared with a sibling process. The caller keeps ownership and must
// close its copy after the child has started.
func FD(f *os.File) IO { return IO{kind: ioFD, file: f} }

// Handle tracks a spawned child process until it is reaped.
type Handle struct {
	// Stdin is the parent-side write end when stdin was Pipe(), else nil.
	Stdin *os.File
	// Stdout is the parent-side read end when stdout was Pipe(), else nil.
	Stdout *os.File

	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// Spawn starts argv[0] with the given stdin/stdout wiring. Stderr is
// inherited so encoder diagnostics reach the server log stream. The child
// is reaped by a background waiter, so discarding the handle after the
// child exits never leaks a zombie.
//
// Pipe ends created here are close-on-exec in the parent (os.Pipe default),
// so sibling spawns cannot inherit them; only the end explicitly wired into
// a child is duplicated into it.
func Spawn(argv []string, stdin, stdout IO) (*Handle, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyArgv
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	h := &Handle{cmd: cmd, done: make(chan struct{})}

	// Child-side pipe ends that must be closed in the parent after Start.
	var childEnds []*os.File
	// Parent-side ends that must be closed if Start fails.
	var parentEnds []*os.File

	cleanup := func() {
		for _, f := range childEnds {
			f.Close()
		}
		for _, f := range parentEnds {
			f.Close()
		}
	}

	switch stdin.kind {
	case ioInherit:
		cmd.Stdin = os.Stdin
	case ioDevNull:
		// exec defaults a nil Stdin to the null device.
	case ioFD:
		cmd.Stdin = stdin.file
	case ioPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		cmd.Stdin = r
		h.Stdin = w
		childEnds = append(childEnds, r)
		parentEnds = append(parentEnds, w)
	}

	switch stdout.kind {
	case ioInherit:
		cmd.Stdout = os.Stdout
	case ioDevNull:
		// exec defaults a nil Stdout to the null device.
	case ioFD:
		cmd.Stdout = stdout.file
	case ioPipe:
		r, w, err := os.Pipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("creating stdout pipe: %w", err)
		}
		cmd.Stdout = w
		h.Stdout = r
		childEnds = append(childEnds, w)
		parentEnds = append(parentEnds, r)
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	// The child holds duplicates of these now; the parent copy must go so
	// the pipe delivers EOF when the child exits.
	for _, f := range childEnds {
		f.Close()
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Wait blocks until the child has exited and been reaped.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Poll is a non-blocking liveness test.
func (h *Handle) Poll() PollResult {
	select {
	case <-h.done:
		code := -1
		if st := h.cmd.ProcessState; st != nil {
			code = st.ExitCode()
		}
		return PollResult{Status: StatusExited, ExitCode: code}
	default:
	}

	alive, err := process.PidExists(int32(h.PID()))
	if err != nil || !alive {
		// Exited but the waiter has not observed it yet.
		return PollResult{Status: StatusUnknown}
	}
	return PollResult{Status: StatusAlive}
}

// Terminate sends SIGTERM, waits up to grace for exit, then SIGKILLs.
// The child is reaped before Terminate returns, in every path.
func (h *Handle) Terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}

	select {
	case <-h.done:
		return nil
	default:
	}

	// Signal errors mean the process is already gone; the waiter still reaps.
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	_ = h.cmd.Process.Kill()
	<-h.done
	return nil
}
