// Package bundle aggregates validation approval across a cluster of tasks
// that share one root task. The root's round is authoritative; the summary
// written there is mirrored into each member's own round.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/edisonflow/edison/internal/debug"
	"github.com/edisonflow/edison/internal/evidence"
	"github.com/edisonflow/edison/internal/types"
)

// Scope selects which tasks belong to a cluster.
type Scope string

const (
	// ScopeSingle is the root task alone.
	ScopeSingle Scope = "single"
	// ScopeBundle is the root plus every task whose bundle_root is the root.
	ScopeBundle Scope = "bundle"
	// ScopeHierarchy adds every parent/child descendant of the bundle.
	ScopeHierarchy Scope = "hierarchy"
)

// ParseScope validates a scope name. Empty means bundle.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeBundle, nil
	case ScopeSingle, ScopeBundle, ScopeHierarchy:
		return Scope(s), nil
	}
	return "", fmt.Errorf("invalid scope %q (want single, bundle or hierarchy)", s)
}

// TaskSource is the read side of the task repository.
type TaskSource interface {
	Get(id string) (*types.Task, error)
	List(states ...string) ([]*types.Task, error)
}

// Aggregator computes and writes bundle summaries.
type Aggregator struct {
	Tasks    TaskSource
	Evidence *evidence.Service
}

// ResolveRoot returns the task whose round is authoritative for task.
func ResolveRoot(task *types.Task) string {
	if root := task.BundleRoot(); root != "" {
		return root
	}
	return task.ID
}

// Members returns the cluster of rootID for scope, root first then sorted.
func (a *Aggregator) Members(ctx context.Context, rootID string, scope Scope) ([]string, error) {
	if _, err := a.Tasks.Get(rootID); err != nil {
		return nil, err
	}
	if scope == ScopeSingle {
		return []string{rootID}, nil
	}
	all, err := a.Tasks.List()
	if err != nil {
		return nil, err
	}

	set := map[string]bool{rootID: true}
	for _, t := range all {
		if t.BundleRoot() == rootID {
			set[t.ID] = true
		}
	}

	if scope == ScopeHierarchy {
		children := make(map[string][]string)
		byID := make(map[string]*types.Task, len(all))
		for _, t := range all {
			byID[t.ID] = t
			if p := t.Parent(); p != "" {
				children[p] = append(children[p], t.ID)
			}
			for _, c := range t.Targets(types.RelChild) {
				children[t.ID] = append(children[t.ID], c)
			}
		}
		queue := make([]string, 0, len(set))
		for id := range set {
			queue = append(queue, id)
		}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id := queue[0]
			queue = queue[1:]
			for _, c := range children[id] {
				if _, ok := byID[c]; ok && !set[c] {
					set[c] = true
					queue = append(queue, c)
				}
			}
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		if id != rootID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return append([]string{rootID}, out...), nil
}

// Aggregate computes the summary for rootID's cluster. It is approved when
// every required validator approved in the root round, no blocking report in
// any member round is anything but approve, and no member round is blocked.
func (a *Aggregator) Aggregate(ctx context.Context, rootID string, scope Scope, required []string) (*evidence.BundleSummary, error) {
	members, err := a.Members(ctx, rootID, scope)
	if err != nil {
		return nil, err
	}
	rootRound, err := a.Evidence.LatestRound(rootID)
	if err != nil {
		return nil, err
	}
	if rootRound == 0 {
		return nil, &evidence.MissingError{TaskID: rootID, Missing: []string{"round"}}
	}

	sum := &evidence.BundleSummary{
		TaskID: rootID, RootTask: rootID, Scope: string(scope),
		Round: rootRound, Approved: true,
	}

	for _, id := range members {
		round := rootRound
		if id != rootID {
			if round, err = a.Evidence.LatestRound(id); err != nil {
				return nil, err
			}
		}
		ta := evidence.TaskApproval{TaskID: id, Round: round, Approved: true}
		if round == 0 {
			ta.Reasons = append(ta.Reasons, "no round")
			sum.Tasks = append(sum.Tasks, ta)
			continue
		}

		reports, err := a.Evidence.ReadValidatorReports(id, round)
		if err != nil {
			return nil, err
		}
		approvedIDs := make(map[string]bool)
		for _, r := range reports {
			sum.Validators = append(sum.Validators, evidence.ValidatorVerdict{
				TaskID: id, ValidatorID: r.ValidatorID, Verdict: r.Verdict, Blocking: r.Blocking,
			})
			if r.Verdict == evidence.VerdictApprove {
				approvedIDs[r.ValidatorID] = true
				continue
			}
			if !r.Blocking {
				continue
			}
			ta.Approved = false
			if r.Verdict == evidence.VerdictBlocked {
				ta.Blocked = true
			}
			ta.Reasons = append(ta.Reasons, fmt.Sprintf("%s: %s", r.ValidatorID, r.Verdict))
		}

		if id == rootID {
			for _, v := range required {
				if !approvedIDs[v] {
					ta.Approved = false
					sum.Missing = append(sum.Missing, v)
					ta.Reasons = append(ta.Reasons, fmt.Sprintf("%s: no approval", v))
				}
			}
		}
		if !ta.Approved {
			sum.Approved = false
		}
		sum.Tasks = append(sum.Tasks, ta)
	}
	return sum, nil
}

// Write stores sum in the root round as a draft and mirrors it into each
// member's active round, opening one when the member has none. Callers hold
// the qa round lock of every task in the cluster.
func (a *Aggregator) Write(ctx context.Context, sum *evidence.BundleSummary) error {
	root := sum.RootTask
	if err := a.Evidence.WriteBundle(root, sum.Round, sum); err != nil {
		return fmt.Errorf("failed to write bundle for %s: %w", root, err)
	}
	for _, ta := range sum.Tasks {
		if ta.TaskID == root {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		round, err := a.Evidence.EnsureRound(ta.TaskID)
		if err != nil {
			return fmt.Errorf("failed to open round for %s: %w", ta.TaskID, err)
		}
		mirror := *sum
		mirror.TaskID = ta.TaskID
		mirror.MirroredFrom = root
		mirror.Tasks = append([]evidence.TaskApproval(nil), sum.Tasks...)
		mirror.Validators = append([]evidence.ValidatorVerdict(nil), sum.Validators...)
		mirror.Missing = append([]string(nil), sum.Missing...)
		if err := a.Evidence.WriteBundle(ta.TaskID, round, &mirror); err != nil {
			return fmt.Errorf("failed to mirror bundle into %s: %w", ta.TaskID, err)
		}
	}
	debug.LogEvent("qa.bundle.write", root, fmt.Sprintf("round=%d scope=%s approved=%t members=%d",
		sum.Round, sum.Scope, sum.Approved, len(sum.Tasks)))
	return nil
}

// Finalize marks the root round final together with the mirrors written
// from it. Members whose active bundle came from elsewhere are left alone.
// Callers hold the same locks as for Write.
func (a *Aggregator) Finalize(ctx context.Context, rootID string) (*evidence.BundleSummary, error) {
	round, err := a.Evidence.LatestRound(rootID)
	if err != nil {
		return nil, err
	}
	sum, err := a.Evidence.Finalize(rootID, round)
	if err != nil {
		return nil, err
	}
	for _, ta := range sum.Tasks {
		if ta.TaskID == rootID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		mround, active, err := a.Evidence.ActiveRound(ta.TaskID)
		if err != nil || !active {
			continue
		}
		mirror, err := a.Evidence.ReadBundle(ta.TaskID, mround)
		if errors.Is(err, os.ErrNotExist) || (err == nil && mirror.MirroredFrom != rootID) {
			continue
		}
		if err != nil {
			return sum, err
		}
		if _, err := a.Evidence.Finalize(ta.TaskID, mround); err != nil {
			return sum, fmt.Errorf("failed to finalize mirror in %s: %w", ta.TaskID, err)
		}
	}
	return sum, nil
}

// Approved reports whether task's cluster has an approved bundle in its
// latest final round. A member consults the mirror in its own rounds first
// and falls back to the root's. Draft rounds never count.
func (a *Aggregator) Approved(task *types.Task) (bool, string) {
	return a.approved(task, a.Evidence.CheckFinalBundle, "no final bundle summary")
}

// Passed is Approved for the latest round, draft or final. It answers
// whether the round is ready to be finalized.
func (a *Aggregator) Passed(task *types.Task) (bool, string) {
	return a.approved(task, a.Evidence.CheckBundle, "no bundle summary")
}

func (a *Aggregator) approved(task *types.Task, check func(string) (*evidence.BundleSummary, error), none string) (bool, string) {
	ids := []string{task.ID}
	if root := ResolveRoot(task); root != task.ID {
		ids = append(ids, root)
	}
	for _, id := range ids {
		b, err := check(id)
		if err != nil {
			if errors.Is(err, evidence.ErrMissingEvidence) {
				continue
			}
			return false, err.Error()
		}
		if !b.Approved {
			return false, fmt.Sprintf("bundle for %s round %d is not approved", id, b.Round)
		}
		return true, ""
	}
	return false, fmt.Sprintf("%s for %s", none, task.ID)
}
