package evidence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/utils"
)

// WriteImplementationReport stores the implementation report of a round,
// plus a Markdown companion when notes is non-empty.
func (s *Service) WriteImplementationReport(r *ImplementationReport, notes string) error {
	if err := s.writable(r.TaskID, r.Round); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	dir := s.RoundDir(r.TaskID, r.Round)
	if err := s.writeJSON(filepath.Join(dir, ImplementationReportFile), r); err != nil {
		return fmt.Errorf("failed to write implementation report: %w", err)
	}
	if notes != "" {
		if err := utils.WriteFileAtomic(filepath.Join(dir, ImplementationNotesFile), []byte(notes), 0o644); err != nil {
			return fmt.Errorf("failed to write implementation notes: %w", err)
		}
	}
	return nil
}

// ReadImplementationReport loads a round's implementation report.
func (s *Service) ReadImplementationReport(taskID string, round int) (*ImplementationReport, error) {
	var r ImplementationReport
	if err := readJSON(filepath.Join(s.RoundDir(taskID, round), ImplementationReportFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// WriteValidatorReport stores one validator's report. Each validator owns
// its own file so concurrent validators never touch each other's output.
func (s *Service) WriteValidatorReport(r *ValidatorReport) error {
	if err := checkName("validator id", r.ValidatorID); err != nil {
		return err
	}
	if !r.Verdict.IsValid() {
		return fmt.Errorf("validator %s: invalid verdict %q", r.ValidatorID, r.Verdict)
	}
	if err := s.writable(r.TaskID, r.Round); err != nil {
		return err
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = s.now().UTC()
	}
	path := filepath.Join(s.RoundDir(r.TaskID, r.Round), ValidatorReportFile(r.ValidatorID))
	if err := s.writeJSON(path, r); err != nil {
		return fmt.Errorf("failed to write report for %s: %w", r.ValidatorID, err)
	}
	debug.LogEvent("qa.validator.report", r.TaskID, fmt.Sprintf("round=%d validator=%s verdict=%s", r.Round, r.ValidatorID, r.Verdict))
	return nil
}

// ReadValidatorReport loads one validator's report.
func (s *Service) ReadValidatorReport(taskID string, round int, validatorID string) (*ValidatorReport, error) {
	var r ValidatorReport
	if err := readJSON(filepath.Join(s.RoundDir(taskID, round), ValidatorReportFile(validatorID)), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadValidatorReports loads every validator report of a round, sorted by
// validator id. Unparseable reports are returned as blocked.
func (s *Service) ReadValidatorReports(taskID string, round int) ([]ValidatorReport, error) {
	dir := s.RoundDir(taskID, round)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []ValidatorReport
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, validatorReportPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, validatorReportPrefix), ".json")
		var r ValidatorReport
		if err := readJSON(filepath.Join(dir, name), &r); err != nil {
			debug.Logf("evidence: %s round %d: %v", taskID, round, err)
			r = ValidatorReport{TaskID: taskID, Round: round, ValidatorID: id, Verdict: VerdictBlocked, Error: err.Error()}
		}
		if r.ValidatorID == "" {
			r.ValidatorID = id
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidatorID < out[j].ValidatorID })
	return out, nil
}

// WriteBundle stores the bundle summary of a round. A summary without a
// status is written as a draft. Writing status final seals the round.
func (s *Service) WriteBundle(taskID string, round int, b *BundleSummary) error {
	if err := s.writable(taskID, round); err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = StatusDraft
	}
	if b.TaskID == "" {
		b.TaskID = taskID
	}
	b.Round = round
	if b.GeneratedAt.IsZero() {
		b.GeneratedAt = s.now().UTC()
	}
	path := filepath.Join(s.RoundDir(taskID, round), s.bundleFile)
	if err := s.writeJSON(path, b); err != nil {
		return fmt.Errorf("failed to write bundle summary: %w", err)
	}
	return nil
}

// ReadBundle loads a round's bundle summary. The returned error wraps
// os.ErrNotExist when the round has none. A summary without a status field
// is reported as final.
func (s *Service) ReadBundle(taskID string, round int) (*BundleSummary, error) {
	var b BundleSummary
	if err := readJSON(filepath.Join(s.RoundDir(taskID, round), s.bundleFile), &b); err != nil {
		return nil, err
	}
	if b.Status == "" {
		b.Status = StatusFinal
	}
	return &b, nil
}

// Finalize marks a round's bundle final. The round must have a bundle.
func (s *Service) Finalize(taskID string, round int) (*BundleSummary, error) {
	if err := s.writable(taskID, round); err != nil {
		return nil, err
	}
	b, err := s.ReadBundle(taskID, round)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &MissingError{TaskID: taskID, Round: round, Missing: []string{s.bundleFile}}
	}
	if err != nil {
		return nil, err
	}
	b.Status = StatusFinal
	path := filepath.Join(s.RoundDir(taskID, round), s.bundleFile)
	if err := s.writeJSON(path, b); err != nil {
		return nil, fmt.Errorf("failed to finalize round: %w", err)
	}
	debug.LogEvent("qa.round.final", taskID, fmt.Sprintf("round=%d approved=%t", round, b.Approved))
	return b, nil
}

// MissingEvidence returns a *MissingError naming every required file absent
// from the round, or nil.
func (s *Service) MissingEvidence(taskID string, round int, required []string) error {
	if round < 1 {
		return &MissingError{TaskID: taskID, Round: round, Missing: append([]string{"round"}, required...)}
	}
	dir := s.RoundDir(taskID, round)
	var missing []string
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingError{TaskID: taskID, Round: round, Missing: missing}
	}
	return nil
}

// CheckBundle verifies that the latest round of taskID carries a bundle
// summary that still reflects the round: it exists, names this round and is
// not older than any validator report in it. The round may still be a draft.
func (s *Service) CheckBundle(taskID string) (*BundleSummary, error) {
	round, err := s.LatestRound(taskID)
	if err != nil {
		return nil, err
	}
	if round == 0 {
		return nil, &MissingError{TaskID: taskID, Missing: []string{"round"}}
	}
	return s.checkRound(taskID, round)
}

// CheckFinalBundle is CheckBundle for the latest final round. Draft rounds
// opened after it are ignored.
func (s *Service) CheckFinalBundle(taskID string) (*BundleSummary, error) {
	round, err := s.LatestFinalRound(taskID)
	if err != nil {
		return nil, err
	}
	if round == 0 {
		return nil, &MissingError{TaskID: taskID, Missing: []string{"final round"}}
	}
	return s.checkRound(taskID, round)
}

func (s *Service) checkRound(taskID string, round int) (*BundleSummary, error) {
	b, err := s.ReadBundle(taskID, round)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &MissingError{TaskID: taskID, Round: round, Missing: []string{s.bundleFile}}
	}
	if err != nil {
		return nil, err
	}
	if b.Round != 0 && b.Round != round {
		return b, &StaleError{TaskID: taskID, Round: round, Reason: fmt.Sprintf("summary was written for round %d", b.Round)}
	}
	reports, err := s.ReadValidatorReports(taskID, round)
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		if !b.GeneratedAt.IsZero() && r.CompletedAt.After(b.GeneratedAt) {
			return b, &StaleError{TaskID: taskID, Round: round,
				Reason: fmt.Sprintf("validator %s reported after the summary was generated", r.ValidatorID)}
		}
	}
	return b, nil
}
