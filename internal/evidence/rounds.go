// Package evidence manages the numbered validation rounds of each task and
// the reports stored in them.
//
// Layout: <root>/<task>/round-<N>/ holding implementation-report.json,
// validator-report-<id>.json and the bundle summary. A round whose bundle is
// missing or has status draft is active; a final round is immutable.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/utils"
)

// DefaultBundleFile is the bundle summary file name.
const DefaultBundleFile = "bundle-approved.json"

// Service reads and writes round evidence. Callers serialise writes for a
// task by holding that task's qa round lock.
type Service struct {
	root       string
	bundleFile string
	now        func() time.Time
}

// NewService returns a Service rooted at the validation-evidence directory.
func NewService(root, bundleFile string) *Service {
	if bundleFile == "" {
		bundleFile = DefaultBundleFile
	}
	return &Service{root: root, bundleFile: bundleFile, now: time.Now}
}

// Root returns the evidence root.
func (s *Service) Root() string { return s.root }

// BundleFile returns the configured bundle summary file name.
func (s *Service) BundleFile() string { return s.bundleFile }

// TaskDir returns the evidence directory of a task.
func (s *Service) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// RoundDir returns the directory of one round.
func (s *Service) RoundDir(taskID string, round int) string {
	return filepath.Join(s.root, taskID, roundPrefix+strconv.Itoa(round))
}

// Rounds returns the existing round numbers of a task in ascending order.
func (s *Service) Rounds(taskID string) ([]int, error) {
	if err := checkName("task id", taskID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.TaskDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list rounds of %s: %w", taskID, err)
	}
	var rounds []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), roundPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), roundPrefix))
		if err != nil || n < 1 {
			continue
		}
		rounds = append(rounds, n)
	}
	sort.Ints(rounds)
	return rounds, nil
}

// LatestRound returns the highest round number, or 0 when none exists.
func (s *Service) LatestRound(taskID string) (int, error) {
	rounds, err := s.Rounds(taskID)
	if err != nil || len(rounds) == 0 {
		return 0, err
	}
	return rounds[len(rounds)-1], nil
}

// LatestFinalRound returns the highest final round, or 0 when no round has
// been finalized.
func (s *Service) LatestFinalRound(taskID string) (int, error) {
	rounds, err := s.Rounds(taskID)
	if err != nil {
		return 0, err
	}
	for i := len(rounds) - 1; i >= 0; i-- {
		st, err := s.RoundStatus(taskID, rounds[i])
		if err != nil {
			return 0, err
		}
		if st == StatusFinal {
			return rounds[i], nil
		}
	}
	return 0, nil
}

// RoundStatus derives a round's status from its bundle file: missing means
// draft, an explicit status is taken as is, and a bundle without a status
// field is a legacy final round.
func (s *Service) RoundStatus(taskID string, round int) (Status, error) {
	b, err := s.ReadBundle(taskID, round)
	if errors.Is(err, os.ErrNotExist) {
		return StatusDraft, nil
	}
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

// ActiveRound returns the active round, if any. Only the latest round can
// be active.
func (s *Service) ActiveRound(taskID string) (int, bool, error) {
	latest, err := s.LatestRound(taskID)
	if err != nil || latest == 0 {
		return 0, false, err
	}
	st, err := s.RoundStatus(taskID, latest)
	if err != nil {
		return 0, false, err
	}
	return latest, st == StatusDraft, nil
}

// EnsureRound returns the active round, opening latest+1 when the latest
// round is final or no round exists yet.
func (s *Service) EnsureRound(taskID string) (int, error) {
	round, active, err := s.ActiveRound(taskID)
	if err != nil {
		return 0, err
	}
	if active {
		return round, nil
	}
	return s.open(taskID, round+1)
}

// NewRound opens the next round. It fails with ErrRoundActive while the
// latest round is still a draft.
func (s *Service) NewRound(taskID string) (int, error) {
	round, active, err := s.ActiveRound(taskID)
	if err != nil {
		return 0, err
	}
	if active {
		return 0, fmt.Errorf("task %s round %d: %w", taskID, round, ErrRoundActive)
	}
	return s.open(taskID, round+1)
}

func (s *Service) open(taskID string, round int) (int, error) {
	dir := s.RoundDir(taskID, round)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create round directory: %w", err)
	}
	debug.Logf("evidence: opened %s round %d", taskID, round)
	debug.LogEvent("qa.round.open", taskID, fmt.Sprintf("round=%d", round))
	return round, nil
}

// writable fails unless round exists and is not final.
func (s *Service) writable(taskID string, round int) error {
	if err := checkName("task id", taskID); err != nil {
		return err
	}
	if round < 1 {
		return fmt.Errorf("task %s: invalid round %d", taskID, round)
	}
	if _, err := os.Stat(s.RoundDir(taskID, round)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("task %s round %d: %w", taskID, round, ErrNoRound)
		}
		return err
	}
	st, err := s.RoundStatus(taskID, round)
	if err != nil {
		return err
	}
	if st == StatusFinal {
		return fmt.Errorf("task %s round %d: %w", taskID, round, ErrRoundFinalized)
	}
	return nil
}

func (s *Service) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

func readJSON(path string, v interface{}) error {
	// #nosec G304 - path is under the evidence root
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	return nil
}

func checkName(what, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid %s %q", what, name)
	}
	return nil
}
