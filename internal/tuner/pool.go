// Package tuner manages the pool of physical RF demodulators.
//
// Tuners are strictly exclusive: a lease grants one holder at a time, and
// streaming requests may preempt guide scans but never each other. All
// state transitions happen under a single pool lock, so preemption is
// observed atomically: a preempted holder never sees its tuner idle without
// its children first terminated.
package tuner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zaplinktv/zaplink/internal/proc"
)

// Class identifies the competing user classes for tuner arbitration.
// ClassStream may preempt ClassEPG; never the reverse.
type Class int

const (
	// ClassStream is a client-facing stream, transcode, or HLS request.
	ClassStream Class = iota
	// ClassEPG is the background guide scan.
	ClassEPG
)

func (c Class) String() string {
	switch c {
	case ClassStream:
		return "stream"
	case ClassEPG:
		return "epg"
	default:
		return "unknown"
	}
}

// ErrLeaseRevoked is returned when an operation is attempted on a lease
// whose tuner has been preempted or released.
var ErrLeaseRevoked = errors.New("tuner: lease revoked")

// Tuner describes one discovered adapter. The set is frozen after startup.
type Tuner struct {
	ID   int
	Path string
}

// Discover enumerates adapter<N> entries under dir. Entries whose suffix is
// not a decimal integer are ignored. Returns tuners sorted by adapter id.
func Discover(dir string) ([]Tuner, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading adapter directory %s: %w", dir, err)
	}

	var tuners []Tuner
	for _, e := range entries {
		name := e.Name()
		suffix, ok := strings.CutPrefix(name, "adapter")
		if !ok || suffix == "" {
			continue
		}
		id, err := strconv.Atoi(suffix)
		if err != nil || id < 0 {
			continue
		}
		tuners = append(tuners, Tuner{ID: id, Path: dir + "/" + name})
	}

	sort.Slice(tuners, func(i, j int) bool { return tuners[i].ID < tuners[j].ID })
	return tuners, nil
}

type slot struct {
	tuner Tuner
	held  bool
	class Class

	// owner increments on every grant; a Lease carrying a stale owner
	// token has been preempted or released.
	owner uint64

	capture *proc.Handle
	encode  *proc.Handle
}

// Pool arbitrates exclusive tuner leases with round-robin fairness.
// The lock is held only for bounded critical sections; the longest is the
// child-termination grace on the preemption and release paths.
type Pool struct {
	mu         sync.Mutex
	slots      []*slot
	lastLeased int
	logger     *slog.Logger
}

// NewPool creates a pool over the given tuners.
func NewPool(tuners []Tuner, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	slots := make([]*slot, len(tuners))
	for i, t := range tuners {
		slots[i] = &slot{tuner: t}
	}
	return &Pool{
		slots:      slots,
		lastLeased: -1,
		logger:     logger,
	}
}

// Size returns the number of tuners in the pool.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Lease is an exclusive grant of one tuner to one holder.
type Lease struct {
	pool  *Pool
	idx   int
	token uint64
	tuner Tuner
	class Class
}

// Tuner returns the leased tuner.
func (l *Lease) Tuner() Tuner { return l.tuner }

// AdapterID returns the adapter number passed to the capture tool.
func (l *Lease) AdapterID() int { return l.tuner.ID }

// Class returns the user class the lease was granted to.
func (l *Lease) Class() Class { return l.class }

// Acquire grants a lease to the given class, or returns nil when the pool
// is saturated. The scan starts after the last leased index, wrapping, so
// repeated requests rotate across tuners. A ClassStream request that finds
// no idle tuner preempts the first ClassEPG holder in the same order,
// terminating the scan's recorded children before the grant is visible.
// Acquire never blocks beyond the bounded termination grace.
func (p *Pool) Acquire(class Class) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (p.lastLeased + 1 + i) % n
		s := p.slots[idx]
		if !s.held {
			return p.grantLocked(idx, class)
		}
	}

	if class != ClassStream {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (p.lastLeased + 1 + i) % n
		s := p.slots[idx]
		if s.held && s.class == ClassEPG {
			p.logger.Info("preempting guide scan",
				slog.Int("adapter", s.tuner.ID))
			p.terminateChildrenLocked(s)
			return p.grantLocked(idx, class)
		}
	}

	return nil
}

func (p *Pool) grantLocked(idx int, class Class) *Lease {
	s := p.slots[idx]
	s.held = true
	s.class = class
	s.owner++
	s.capture = nil
	s.encode = nil
	p.lastLeased = idx
	return &Lease{pool: p, idx: idx, token: s.owner, tuner: s.tuner, class: class}
}

func (p *Pool) terminateChildrenLocked(s *slot) {
	if s.capture != nil {
		_ = s.capture.Terminate(proc.DefaultTerminateGrace)
		s.capture = nil
	}
	if s.encode != nil {
		_ = s.encode.Terminate(proc.DefaultTerminateGrace)
		s.encode = nil
	}
}

// SetChildren records the lease's child processes so the preemption path
// can terminate them. Returns ErrLeaseRevoked if the lease was preempted
// between acquisition and recording; the caller then owns teardown of the
// children it just spawned.
func (l *Lease) SetChildren(capture, encode *proc.Handle) error {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()

	s := l.pool.slots[l.idx]
	if !s.held || s.owner != l.token {
		return ErrLeaseRevoked
	}
	s.capture = capture
	s.encode = encode
	return nil
}

// Release terminates any children recorded on the lease and marks the
// tuner idle. Releasing a revoked lease is a no-op, so a preempted holder
// unwinding normally cannot free the preemptor's grant.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()

	s := l.pool.slots[l.idx]
	if !s.held || s.owner != l.token {
		return
	}
	l.pool.terminateChildrenLocked(s)
	s.held = false
}

// Held reports whether the tuner at index idx is currently leased.
// Intended for status reporting and tests.
func (p *Pool) Held(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return false
	}
	return p.slots[idx].held
}

// HolderClass returns the holding class for the tuner at index idx, and
// whether it is held at all.
func (p *Pool) HolderClass(idx int) (Class, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return 0, false
	}
	return p.slots[idx].class, p.slots[idx].held
}
