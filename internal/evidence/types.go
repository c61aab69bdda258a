package evidence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verdict is a validator's decision for one round.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictPending Verdict = "pending"
	VerdictBlocked Verdict = "blocked"
)

// IsValid reports whether v is a known verdict.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictApprove, VerdictReject, VerdictPending, VerdictBlocked:
		return true
	}
	return false
}

// Status is the lifecycle status of a round's bundle summary.
type Status string

const (
	StatusDraft Status = "draft"
	StatusFinal Status = "final"
)

// Evidence file names inside a round directory.
const (
	ImplementationReportFile = "implementation-report.json"
	ImplementationNotesFile  = "implementation-report.md"
	validatorReportPrefix    = "validator-report-"
	roundPrefix              = "round-"
)

// ValidatorReportFile returns the file name of a validator's report.
func ValidatorReportFile(validatorID string) string {
	return validatorReportPrefix + validatorID + ".json"
}

var (
	ErrMissingEvidence = errors.New("missing evidence")
	ErrStaleBundle     = errors.New("stale bundle")
	ErrRoundFinalized  = errors.New("round is finalized")
	ErrRoundActive     = errors.New("an active round already exists")
	ErrNoRound         = errors.New("no round")
)

// ImplementationReport is the author's summary of a round's changes.
type ImplementationReport struct {
	TaskID       string    `json:"task_id"`
	Round        int       `json:"round"`
	Author       string    `json:"author,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidatorReport is one validator's result for one round.
type ValidatorReport struct {
	TaskID      string    `json:"task_id"`
	Round       int       `json:"round"`
	ValidatorID string    `json:"validator_id"`
	Engine      string    `json:"engine,omitempty"`
	Model       string    `json:"model,omitempty"`
	Blocking    bool      `json:"blocking"`
	Verdict     Verdict   `json:"verdict"`
	Summary     string    `json:"summary,omitempty"`
	Findings    []string  `json:"findings,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	ElapsedMS   int64     `json:"elapsed_ms,omitempty"`
}

// TaskApproval is the per-task line of a bundle summary.
type TaskApproval struct {
	TaskID   string   `json:"task_id"`
	Round    int      `json:"round"`
	Approved bool     `json:"approved"`
	Blocked  bool     `json:"blocked,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

// ValidatorVerdict is one validator report folded into a bundle summary.
type ValidatorVerdict struct {
	TaskID      string  `json:"task_id"`
	ValidatorID string  `json:"validator_id"`
	Verdict     Verdict `json:"verdict"`
	Blocking    bool    `json:"blocking"`
}

// BundleSummary aggregates approval for a round, possibly across a cluster.
type BundleSummary struct {
	TaskID       string             `json:"task_id"`
	RootTask     string             `json:"root_task"`
	Scope        string             `json:"scope"`
	Round        int                `json:"round"`
	Approved     bool               `json:"approved"`
	Status       Status             `json:"status,omitempty"`
	Tasks        []TaskApproval     `json:"tasks"`
	Validators   []ValidatorVerdict `json:"validators,omitempty"`
	Missing      []string           `json:"missing,omitempty"`
	MirroredFrom string             `json:"mirrored_from,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// TaskIDs returns the ids of the tasks covered by the summary.
func (b *BundleSummary) TaskIDs() []string {
	out := make([]string, 0, len(b.Tasks))
	for _, t := range b.Tasks {
		out = append(out, t.TaskID)
	}
	return out
}

// MissingError lists evidence files absent from a round.
type MissingError struct {
	TaskID  string
	Round   int
	Missing []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("task %s round %d is missing evidence: %s", e.TaskID, e.Round, strings.Join(e.Missing, ", "))
}

func (e *MissingError) Is(target error) bool { return target == ErrMissingEvidence }

// StaleError explains why a bundle summary no longer reflects its round.
type StaleError struct {
	TaskID string
	Round  int
	Reason string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("bundle for task %s round %d is stale: %s", e.TaskID, e.Round, e.Reason)
}

func (e *StaleError) Is(target error) bool { return target == ErrStaleBundle }
