// Package lockfile provides advisory cross-process file locks with bounded
// waits, optional NFS-safe sidecar files and stale-lock recovery.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/telemetry"
)

const (
	// DefaultTimeout bounds acquisition when Options.Timeout is unset.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is how often a busy lock is retried.
	DefaultPollInterval = 100 * time.Millisecond

	// SidecarSuffix is appended to the target path in NFS-safe mode.
	SidecarSuffix = ".lock"
)

// errBusy signals the retry loop to sleep and try again.
var errBusy = errors.New("lock busy")

// Options controls a single acquisition.
type Options struct {
	// Timeout bounds the whole acquisition, including the in-process gate.
	// Zero means DefaultTimeout; a negative value means a single attempt.
	Timeout      time.Duration
	PollInterval time.Duration
	// NFSSafe locks <target>.lock instead of the target and removes it on release.
	NFSSafe bool
	// FailOpen returns an unheld handle instead of an error on timeout.
	// Only for best-effort paths.
	FailOpen bool
	// Info is written into the lock file once acquired. PID, Hostname and
	// AcquiredAt are filled in automatically.
	Info Info
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Manager hands out locks and serialises same-process callers per path.
// The zero value is not usable; use NewManager.
type Manager struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

// NewManager returns a Manager with its own in-process gates.
func NewManager() *Manager {
	return &Manager{gates: make(map[string]chan struct{})}
}

var defaultManager = NewManager()

// Default returns the process-wide manager.
func Default() *Manager {
	return defaultManager
}

func (m *Manager) gate(path string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[path]
	if !ok {
		g = make(chan struct{}, 1)
		m.gates[path] = g
	}
	return g
}

// Handle is a scoped lock. Release is idempotent and must always be called,
// even when Held reports false.
type Handle struct {
	target   string
	lockPath string
	held     bool
	nfsSafe  bool

	file *os.File     // NFS-safe mode
	fl   *flock.Flock // direct mode
	gate chan struct{}

	once sync.Once
	err  error
}

// Held reports whether the lock is actually held. A fail-open acquisition
// that timed out returns a handle with Held() == false.
func (h *Handle) Held() bool {
	return h != nil && h.held
}

// Path returns the file the OS lock is taken on.
func (h *Handle) Path() string {
	return h.lockPath
}

// Release drops the OS lock, removes the sidecar (NFS-safe mode) and frees
// the in-process gate.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.held {
			h.err = h.releaseOS()
			debug.Logf("released lock %s", h.lockPath)
		}
		h.held = false
		if h.gate != nil {
			<-h.gate
		}
	})
	return h.err
}

func (h *Handle) releaseOS() error {
	if h.nfsSafe {
		var errs []error
		// Unlink before unlocking so a waiter that opened the old inode fails
		// its identity check and retries on a fresh file.
		if err := os.Remove(h.lockPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", h.lockPath, err))
		}
		if err := FlockUnlock(h.file); err != nil {
			errs = append(errs, fmt.Errorf("unlock %s: %w", h.lockPath, err))
		}
		if err := h.file.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return h.fl.Unlock()
}

// Acquire takes an exclusive lock for target, retrying every PollInterval
// until Timeout. On timeout it returns a *TimeoutError (matching
// ErrLockTimeout), or an unheld handle when FailOpen is set. Cancellation of
// ctx is returned as ctx.Err().
func (m *Manager) Acquire(ctx context.Context, target string, opts Options) (*Handle, error) {
	opts = opts.withDefaults()

	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve lock path %s: %w", target, err)
	}
	lockPath := abs
	if opts.NFSSafe {
		lockPath = abs + SidecarSuffix
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	h := &Handle{target: abs, lockPath: lockPath, nfsSafe: opts.NFSSafe}

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	start := time.Now()
	g := m.gate(lockPath)
	if opts.Timeout > 0 {
		select {
		case g <- struct{}{}:
			h.gate = g
		case <-waitCtx.Done():
		}
	} else {
		select {
		case g <- struct{}{}:
			h.gate = g
		default:
		}
	}

	if h.gate != nil {
		err = m.poll(waitCtx, h, opts)
	} else {
		err = errBusy
	}
	telemetry.RecordLockWait(ctx, filepath.Base(filepath.Dir(abs)), time.Since(start), err == nil)

	if err == nil {
		h.held = true
		debug.Logf("acquired lock %s after %v", lockPath, time.Since(start))
		return h, nil
	}

	if h.gate != nil {
		<-h.gate
		h.gate = nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, errBusy) || errors.Is(err, context.DeadlineExceeded) {
		if opts.FailOpen {
			debug.Logf("lock %s not acquired after %v, continuing without it", lockPath, opts.Timeout)
			return h, nil
		}
		holder, _ := ReadInfo(lockPath)
		return nil, &TimeoutError{Path: lockPath, Timeout: opts.Timeout, Holder: holder}
	}
	return nil, err
}

func (m *Manager) poll(ctx context.Context, h *Handle, opts Options) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(opts.PollInterval)
	if opts.Timeout < 0 {
		b = backoff.WithMaxRetries(b, 0)
	}
	info := fillInfo(opts.Info)

	return backoff.Retry(func() error {
		var err error
		if h.nfsSafe {
			err = h.trySidecar(info)
		} else {
			err = h.tryDirect(info)
		}
		if err != nil && !errors.Is(err, errBusy) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// trySidecar locks the sidecar through a descriptor we own and verifies that
// the path still names the locked inode.
func (h *Handle) trySidecar(info Info) error {
	// #nosec G304 - lock path is derived from the management root
	f, err := os.OpenFile(h.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", h.lockPath, err)
	}
	if err := FlockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			return errBusy
		}
		return fmt.Errorf("lock %s: %w", h.lockPath, err)
	}

	fi, ferr := f.Stat()
	pi, perr := os.Stat(h.lockPath)
	if ferr != nil || perr != nil || !os.SameFile(fi, pi) {
		// The previous holder removed the file after we opened it.
		_ = FlockUnlock(f)
		_ = f.Close()
		return errBusy
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(encodeInfo(info), 0)
		_ = f.Sync()
	}
	h.file = f
	return nil
}

func (h *Handle) tryDirect(info Info) error {
	if h.fl == nil {
		h.fl = flock.New(h.lockPath)
	}
	locked, err := h.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", h.lockPath, err)
	}
	if !locked {
		return errBusy
	}
	// The flock descriptor is read-only; metadata goes through the path.
	if err := os.WriteFile(h.lockPath, encodeInfo(info), 0o644); err != nil {
		debug.Logf("failed to write lock metadata %s: %v", h.lockPath, err)
	}
	return nil
}

// WithLock runs fn while holding the lock for target.
func (m *Manager) WithLock(ctx context.Context, target string, opts Options, fn func() error) error {
	h, err := m.Acquire(ctx, target, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			debug.Logf("release %s: %v", h.Path(), rerr)
		}
	}()
	return fn()
}

// Multi holds several locks acquired together.
type Multi struct {
	handles []*Handle
}

// Release releases all locks in reverse acquisition order.
func (mh *Multi) Release() error {
	var errs []error
	for i := len(mh.handles) - 1; i >= 0; i-- {
		if err := mh.handles[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AcquireAll locks every target in sorted path order so concurrent callers
// with overlapping sets cannot deadlock. On failure every lock already taken
// is released. FailOpen is not honoured: all locks are held or none.
func (m *Manager) AcquireAll(ctx context.Context, targets []string, opts Options) (*Multi, error) {
	sorted := make([]string, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		abs, err := filepath.Abs(t)
		if err != nil {
			return nil, fmt.Errorf("resolve lock path %s: %w", t, err)
		}
		if !seen[abs] {
			seen[abs] = true
			sorted = append(sorted, abs)
		}
	}
	sort.Strings(sorted)

	opts.FailOpen = false
	mh := &Multi{}
	for _, t := range sorted {
		h, err := m.Acquire(ctx, t, opts)
		if err != nil {
			_ = mh.Release()
			return nil, err
		}
		mh.handles = append(mh.handles, h)
	}
	return mh, nil
}
