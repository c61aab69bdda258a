package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Finding kinds reported by Verify.
const (
	FindingDuplicate     = "duplicate"
	FindingStateMismatch = "state_mismatch"
	FindingUnknownDir    = "unknown_state_dir"
	FindingUnreadable    = "unreadable"
)

// Finding is one on-disk inconsistency.
type Finding struct {
	Domain string   `json:"domain"`
	ID     string   `json:"id,omitempty"`
	Kind   string   `json:"kind"`
	Paths  []string `json:"paths"`
	Detail string   `json:"detail"`
}

func (f Finding) String() string {
	if f.ID == "" {
		return fmt.Sprintf("%s: %s (%s)", f.Domain, f.Detail, f.Kind)
	}
	return fmt.Sprintf("%s %s: %s (%s)", f.Domain, f.ID, f.Detail, f.Kind)
}

// Verify audits the repository layout: every id lives in exactly one state
// directory, the stored state matches that directory, and every directory
// under the root is a declared state. ignore lists root entries that are
// not state directories (for example validation-evidence under qa/).
func (r *Repository[T]) Verify(ignore ...string) ([]Finding, error) {
	var findings []Finding
	seen := make(map[string][]string)

	for _, st := range r.spec.States {
		ids, err := r.idsIn(st)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = append(seen[id], st)
			path := r.recordPath(st, id)
			// #nosec G304 - path is under the repository root
			data, err := os.ReadFile(path)
			if err != nil {
				findings = append(findings, Finding{
					Domain: r.spec.Domain, ID: id, Kind: FindingUnreadable,
					Paths: []string{path}, Detail: err.Error(),
				})
				continue
			}
			rec, err := r.spec.Decode(id, data)
			if err != nil {
				findings = append(findings, Finding{
					Domain: r.spec.Domain, ID: id, Kind: FindingUnreadable,
					Paths: []string{path}, Detail: err.Error(),
				})
				continue
			}
			if stored := rec.RecordState(); stored != "" && stored != st {
				findings = append(findings, Finding{
					Domain: r.spec.Domain, ID: id, Kind: FindingStateMismatch,
					Paths:  []string{path},
					Detail: fmt.Sprintf("file says %q but lives in %q", stored, st),
				})
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		states := seen[id]
		if len(states) < 2 {
			continue
		}
		paths := make([]string, 0, len(states))
		for _, st := range states {
			paths = append(paths, r.recordPath(st, id))
		}
		findings = append(findings, Finding{
			Domain: r.spec.Domain, ID: id, Kind: FindingDuplicate,
			Paths: paths, Detail: "present in " + strings.Join(states, ", "),
		})
	}

	entries, err := os.ReadDir(r.spec.Root)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", r.spec.Root, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || r.knownState(name) || contains(ignore, name) {
			continue
		}
		findings = append(findings, Finding{
			Domain: r.spec.Domain, Kind: FindingUnknownDir,
			Paths:  []string{filepath.Join(r.spec.Root, name)},
			Detail: fmt.Sprintf("directory %q is not a declared state", name),
		})
	}
	return findings, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
