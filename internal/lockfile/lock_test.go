package lockfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePID(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"pid line", "purpose=qa_validate\npid=4242\n", 4242},
		{"json object", `{"pid": 77, "purpose": "qa_round"}`, 77},
		{"embedded json", "owner: {\"pid\":31, \"task\":\"T1\"} trailing", 31},
		{"plain integer", "98765", 98765},
		{"plain integer with newline", "123\n", 123},
		{"empty", "", 0},
		{"garbage", "invalid json", 0},
		{"negative pid", "pid=-4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePID([]byte(tt.data)))
		})
	}
}

func TestReadInfo(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("JSON format", func(t *testing.T) {
		path := filepath.Join(tmpDir, "json.lock")
		data, err := json.Marshal(Info{PID: 12345, Purpose: "qa_validate", TaskID: "T1"})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		info, err := ReadInfo(path)
		require.NoError(t, err)
		assert.Equal(t, 12345, info.PID)
		assert.Equal(t, "T1", info.TaskID)
	})

	t.Run("old format (plain PID)", func(t *testing.T) {
		path := filepath.Join(tmpDir, "plain.lock")
		require.NoError(t, os.WriteFile(path, []byte("98765"), 0o644))

		info, err := ReadInfo(path)
		require.NoError(t, err)
		assert.Equal(t, 98765, info.PID)
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := ReadInfo(filepath.Join(tmpDir, "missing.lock"))
		assert.Error(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.lock")
		require.NoError(t, os.WriteFile(path, []byte("invalid json"), 0o644))
		_, err := ReadInfo(path)
		assert.Error(t, err)
	})
}

func TestPath(t *testing.T) {
	root := "/repo/.project"
	assert.Equal(t, filepath.Join(root, ".locks", "task", "qa_validate", "T-1"),
		Path(root, "qa_validate", "T-1", "task"))
	assert.Equal(t, filepath.Join(root, ".locks", DefaultScope, "git", "worktree"),
		Path(root, "git", "worktree", ""))
	assert.Equal(t, filepath.Join(root, ".locks", DefaultScope, "ns", "a_b_c"),
		Path(root, "ns", "a/b:c", ""))
	assert.Equal(t, filepath.Join(root, ".locks", DefaultScope, "ns", "_"),
		Path(root, "ns", "..", ""))
	assert.Equal(t, filepath.Join(root, ".locks", RepoScope, "qa_round", "qa_round_T-1"),
		KeyPath(root, "qa_round:T-1"))
	assert.Equal(t, filepath.Join(root, ".locks", RepoScope, "git", "git_worktree"),
		KeyPath(root, "git:worktree"))
}

func fastOpts(nfs bool) Options {
	return Options{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond, NFSSafe: nfs}
}

func TestAcquireReleaseNFSSafe(t *testing.T) {
	target := filepath.Join(t.TempDir(), "locks", "task-1")
	m := NewManager()

	opts := fastOpts(true)
	opts.Info = Info{TaskID: "T1", Purpose: "qa_round"}
	h, err := m.Acquire(context.Background(), target, opts)
	require.NoError(t, err)
	require.True(t, h.Held())
	assert.Equal(t, target+SidecarSuffix, h.Path())

	info, err := ReadInfo(h.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "qa_round", info.Purpose)
	assert.Equal(t, "T1", info.TaskID)
	assert.False(t, info.AcquiredAt.IsZero())

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "release must be idempotent")
	assert.NoFileExists(t, target+SidecarSuffix)
	assert.False(t, h.Held())
}

func TestAcquireReleaseDirect(t *testing.T) {
	target := filepath.Join(t.TempDir(), "direct")
	m := NewManager()

	h, err := m.Acquire(context.Background(), target, fastOpts(false))
	require.NoError(t, err)
	assert.Equal(t, target, h.Path())
	require.NoError(t, h.Release())

	// Direct mode leaves the file behind with the last owner's PID.
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), ParsePID(data))

	// And it can be taken again.
	h, err = m.Acquire(context.Background(), target, fastOpts(false))
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestAcquireTimeout(t *testing.T) {
	for _, nfs := range []bool{true, false} {
		t.Run(fmt.Sprintf("nfsSafe=%v", nfs), func(t *testing.T) {
			target := filepath.Join(t.TempDir(), "busy")

			// Separate managers contend on the OS lock, not the in-process gate.
			holder, err := NewManager().Acquire(context.Background(), target, fastOpts(nfs))
			require.NoError(t, err)
			defer holder.Release()

			opts := fastOpts(nfs)
			opts.Timeout = 50 * time.Millisecond
			start := time.Now()
			_, err = NewManager().Acquire(context.Background(), target, opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrLockTimeout), "got %v", err)
			assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

			var te *TimeoutError
			require.True(t, errors.As(err, &te))
			if assert.NotNil(t, te.Holder) {
				assert.Equal(t, os.Getpid(), te.Holder.PID)
			}
		})
	}
}

func TestAcquireSingleAttempt(t *testing.T) {
	target := filepath.Join(t.TempDir(), "once")
	holder, err := NewManager().Acquire(context.Background(), target, fastOpts(true))
	require.NoError(t, err)
	defer holder.Release()

	opts := fastOpts(true)
	opts.Timeout = -1
	_, err = NewManager().Acquire(context.Background(), target, opts)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireFailOpen(t *testing.T) {
	target := filepath.Join(t.TempDir(), "cleanup")
	holder, err := NewManager().Acquire(context.Background(), target, fastOpts(true))
	require.NoError(t, err)

	opts := fastOpts(true)
	opts.Timeout = 30 * time.Millisecond
	opts.FailOpen = true
	h, err := NewManager().Acquire(context.Background(), target, opts)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.False(t, h.Held())
	require.NoError(t, h.Release())

	// The holder's sidecar must survive the fail-open caller's release.
	assert.FileExists(t, target+SidecarSuffix)
	require.NoError(t, holder.Release())
}

func TestAcquireContextCanceled(t *testing.T) {
	target := filepath.Join(t.TempDir(), "cancel")
	holder, err := NewManager().Acquire(context.Background(), target, fastOpts(true))
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = NewManager().Acquire(ctx, target, fastOpts(true))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSameProcessSerialization(t *testing.T) {
	target := filepath.Join(t.TempDir(), "shared")
	m := NewManager()

	var inside int32
	var overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), target, fastOpts(true), func() error {
				if atomic.AddInt32(&inside, 1) != 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps)
	assert.NoFileExists(t, target+SidecarSuffix)
}

func TestWithLockReleasesOnError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "err")
	m := NewManager()
	boom := errors.New("boom")

	err := m.WithLock(context.Background(), target, fastOpts(true), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, target+SidecarSuffix)

	h, err := m.Acquire(context.Background(), target, fastOpts(true))
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestAcquireAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	m := NewManager()

	multi, err := m.AcquireAll(context.Background(), []string{b, a, b}, fastOpts(true))
	require.NoError(t, err)
	require.Len(t, multi.handles, 2)
	assert.Equal(t, a+SidecarSuffix, multi.handles[0].Path())
	assert.Equal(t, b+SidecarSuffix, multi.handles[1].Path())
	require.NoError(t, multi.Release())
	assert.NoFileExists(t, a+SidecarSuffix)
	assert.NoFileExists(t, b+SidecarSuffix)

	// A busy member releases what was already taken.
	holder, err := NewManager().Acquire(context.Background(), b, fastOpts(true))
	require.NoError(t, err)
	defer holder.Release()

	opts := fastOpts(true)
	opts.Timeout = 30 * time.Millisecond
	_, err = m.AcquireAll(context.Background(), []string{a, b}, opts)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.NoFileExists(t, a+SidecarSuffix)
}

// TestHelperProcess is not a real test; it holds a lock in a child process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("EDISON_LOCK_HELPER") != "1" {
		return
	}
	hold, _ := time.ParseDuration(os.Getenv("EDISON_LOCK_HOLD"))
	h, err := NewManager().Acquire(context.Background(), os.Getenv("EDISON_LOCK_TARGET"), fastOpts(true))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println("locked")
	time.Sleep(hold)
	_ = h.Release()
	os.Exit(0)
}

func startHolder(t *testing.T, target string, hold time.Duration) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(),
		"EDISON_LOCK_HELPER=1",
		"EDISON_LOCK_TARGET="+target,
		"EDISON_LOCK_HOLD="+hold.String(),
	)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "locked\n", line)
	return cmd
}

func TestCrossProcessExclusion(t *testing.T) {
	target := filepath.Join(t.TempDir(), "xproc")

	t.Run("sidecar removed after holder exits", func(t *testing.T) {
		cmd := startHolder(t, target, 10*time.Millisecond)
		require.NoError(t, cmd.Wait())
		assert.NoFileExists(t, target+SidecarSuffix)
	})

	t.Run("second acquirer waits for release", func(t *testing.T) {
		hold := 300 * time.Millisecond
		started := time.Now()
		cmd := startHolder(t, target, hold)
		defer cmd.Wait()

		m := NewManager()
		opts := fastOpts(true)
		opts.Timeout = 20 * time.Millisecond
		_, err := m.Acquire(context.Background(), target, opts)
		require.ErrorIs(t, err, ErrLockTimeout)

		opts.Timeout = 10 * time.Second
		h, err := m.Acquire(context.Background(), target, opts)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(started), hold)

		info, err := ReadInfo(h.Path())
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), info.PID)

		require.NoError(t, h.Release())
		assert.NoFileExists(t, target+SidecarSuffix)
	})
}
