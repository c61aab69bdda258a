package lockfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Info is the metadata written into a lock file once it is acquired.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	SessionID  string    `json:"session_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Purpose    string    `json:"purpose,omitempty"`
}

// ProcessChecker reports whether a process is alive on this host.
type ProcessChecker interface {
	Alive(pid int) bool
}

// OSProcessChecker probes the local operating system.
type OSProcessChecker struct{}

func (OSProcessChecker) Alive(pid int) bool {
	return isProcessRunning(pid)
}

var embeddedPID = regexp.MustCompile(`"pid"\s*:\s*(\d+)`)

// ParsePID extracts an owner PID from lock file contents. Accepted forms are
// a `pid=<n>` line, a JSON object with a "pid" field (also when embedded in
// other text), or a bare integer. Returns 0 when no PID can be found.
func ParsePID(data []byte) int {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "pid="); ok {
			if pid, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && pid > 0 {
				return pid
			}
		}
	}

	var obj struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.PID > 0 {
		return obj.PID
	}
	if m := embeddedPID.FindSubmatch(data); m != nil {
		if pid, err := strconv.Atoi(string(m[1])); err == nil {
			return pid
		}
	}
	if pid, err := strconv.Atoi(string(data)); err == nil && pid > 0 {
		return pid
	}
	return 0
}

// ReadInfo reads the metadata of a lock file. Legacy formats that only carry
// a PID yield an Info with just PID set.
func ReadInfo(path string) (*Info, error) {
	// #nosec G304 - path is a lock file under the management root
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(bytes.TrimSpace(data), &info); err == nil && info.PID > 0 {
		return &info, nil
	}
	if pid := ParsePID(data); pid > 0 {
		return &Info{PID: pid}, nil
	}
	return nil, fmt.Errorf("cannot parse lock file %s", path)
}

func encodeInfo(info Info) []byte {
	data, _ := json.Marshal(info)
	return append(data, '\n')
}

func fillInfo(info Info) Info {
	info.PID = os.Getpid()
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	info.AcquiredAt = time.Now().UTC()
	return info
}

// DefaultScope is used when Path is given an empty scope.
const DefaultScope = "global"

// Path maps a lock identity to its file under <root>/.locks. Keys such as
// "qa_validate:T-12" are flattened into a single safe file name.
func Path(root, namespace, key, scope string) string {
	if scope == "" {
		scope = DefaultScope
	}
	return filepath.Join(root, ".locks", sanitize(scope), sanitize(namespace), sanitize(key))
}

// RepoScope is the scope of locks that guard repository-wide resources.
const RepoScope = "repo"

// KeyPath maps a "<namespace>:<id>" key such as "qa_round:T-12" to its lock
// file in the repo scope.
func KeyPath(root, key string) string {
	ns, _, _ := strings.Cut(key, ":")
	return Path(root, ns, key, RepoScope)
}

// LocksDir returns the directory holding all lock files under root.
func LocksDir(root string) string {
	return filepath.Join(root, ".locks")
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
