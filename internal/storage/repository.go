// Package storage persists tasks, QA records and sessions as files whose
// directory names their state: <root>/<state>/<id>.md for tasks and QA
// records, <root>/<state>/<id>/session.json for sessions. Moving a record
// between directories is its state transition on disk and is always done
// with a rename.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edisonflow/edison/internal/types"
	"github.com/edisonflow/edison/internal/utils"
)

var (
	// ErrNotFound is returned when no record with the id exists in any state.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("already exists")
	// ErrInconsistent matches on-disk layouts that violate the one-file-per-id
	// or directory-equals-state invariants.
	ErrInconsistent = errors.New("inconsistent repository")
)

// DuplicateError reports an id found in more than one state directory.
type DuplicateError struct {
	Domain string
	ID     string
	States []string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %s exists in multiple states: %s", e.Domain, e.ID, strings.Join(e.States, ", "))
}

func (e *DuplicateError) Is(target error) bool { return target == ErrInconsistent }

// Layout selects how a record is laid out inside its state directory.
type Layout int

const (
	// FileLayout stores <state>/<id><ext>.
	FileLayout Layout = iota
	// DirLayout stores <state>/<id>/<file>.
	DirLayout
)

// Spec describes one record type.
type Spec[T types.Record] struct {
	Domain string
	Root   string
	// States lists the directories scanned for records.
	States []string
	Layout Layout
	// Ext is the file extension for FileLayout; File the file name for DirLayout.
	Ext  string
	File string

	Encode func(T) ([]byte, error)
	Decode func(id string, data []byte) (T, error)
}

// Repository stores one record type.
type Repository[T types.Record] struct {
	spec Spec[T]
	now  func() time.Time
}

// New creates a repository for spec.
func New[T types.Record](spec Spec[T]) *Repository[T] {
	return &Repository[T]{spec: spec, now: time.Now}
}

// Root returns the repository's root directory.
func (r *Repository[T]) Root() string { return r.spec.Root }

// Domain returns the record domain name.
func (r *Repository[T]) Domain() string { return r.spec.Domain }

// unitPath is what gets renamed between state directories.
func (r *Repository[T]) unitPath(state, id string) string {
	if r.spec.Layout == DirLayout {
		return filepath.Join(r.spec.Root, state, id)
	}
	return filepath.Join(r.spec.Root, state, id+r.spec.Ext)
}

// recordPath is the file holding the encoded record.
func (r *Repository[T]) recordPath(state, id string) string {
	if r.spec.Layout == DirLayout {
		return filepath.Join(r.spec.Root, state, id, r.spec.File)
	}
	return r.unitPath(state, id)
}

// PathFor returns the record file for id in state.
func (r *Repository[T]) PathFor(state, id string) string {
	return r.recordPath(state, id)
}

// locate returns every state directory holding id.
func (r *Repository[T]) locate(id string) []string {
	var found []string
	for _, st := range r.spec.States {
		if _, err := os.Stat(r.recordPath(st, id)); err == nil {
			found = append(found, st)
		}
	}
	return found
}

// Find returns the state directory holding id.
func (r *Repository[T]) Find(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	found := r.locate(id)
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%s %s: %w", r.spec.Domain, id, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return "", &DuplicateError{Domain: r.spec.Domain, ID: id, States: found}
	}
}

// Exists reports whether a record with id exists in any state.
func (r *Repository[T]) Exists(id string) bool {
	_, err := r.Find(id)
	return err == nil || errors.Is(err, ErrInconsistent)
}

// Get loads a record. The state is taken from the directory it lives in.
func (r *Repository[T]) Get(id string) (T, error) {
	var zero T
	state, err := r.Find(id)
	if err != nil {
		return zero, err
	}
	return r.read(state, id)
}

func (r *Repository[T]) read(state, id string) (T, error) {
	var zero T
	path := r.recordPath(state, id)
	// #nosec G304 - path is built from the repository root and a validated id
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("failed to read %s: %w", path, err)
	}
	rec, err := r.spec.Decode(id, data)
	if err != nil {
		return zero, err
	}
	rec.SetState(state)
	return rec, nil
}

// Create writes a new record into the directory of its state.
func (r *Repository[T]) Create(rec T, actor string) error {
	id := rec.RecordID()
	if err := validID(id); err != nil {
		return err
	}
	if !r.knownState(rec.RecordState()) {
		return fmt.Errorf("%s %s: unknown state %q", r.spec.Domain, id, rec.RecordState())
	}
	if found := r.locate(id); len(found) > 0 {
		return fmt.Errorf("%s %s (in %s): %w", r.spec.Domain, id, found[0], ErrExists)
	}
	rec.Meta().Touch(r.now().UTC(), actor)
	return r.write(rec.RecordState(), rec)
}

// Save rewrites a record in place. The record's state must match the
// directory it lives in; use Relocate to change state.
func (r *Repository[T]) Save(rec T, actor string) error {
	state, err := r.Find(rec.RecordID())
	if err != nil {
		return err
	}
	if state != rec.RecordState() {
		return fmt.Errorf("%s %s lives in %s but has state %s: use a transition to change state",
			r.spec.Domain, rec.RecordID(), state, rec.RecordState())
	}
	rec.Meta().Touch(r.now().UTC(), actor)
	return r.write(state, rec)
}

// Relocate moves a record to the directory of state to. The record file is
// first rewritten with the new state in place, then renamed as one unit.
func (r *Repository[T]) Relocate(rec T, to, actor string) error {
	id := rec.RecordID()
	if !r.knownState(to) {
		return fmt.Errorf("%s %s: unknown state %q", r.spec.Domain, id, to)
	}
	from, err := r.Find(id)
	if err != nil {
		return err
	}
	if from == to {
		rec.SetState(to)
		rec.Meta().Touch(r.now().UTC(), actor)
		return r.write(to, rec)
	}
	dest := r.unitPath(to, id)
	if _, err := os.Stat(dest); err == nil {
		return &DuplicateError{Domain: r.spec.Domain, ID: id, States: []string{from, to}}
	}

	prev := rec.RecordState()
	rec.SetState(to)
	rec.Meta().Touch(r.now().UTC(), actor)
	if err := r.write(from, rec); err != nil {
		rec.SetState(prev)
		return err
	}
	if err := os.MkdirAll(filepath.Join(r.spec.Root, to), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := utils.DefaultRenameRetry(r.unitPath(from, id), dest); err != nil {
		rec.SetState(prev)
		// Put the old state back so directory and content agree again.
		_ = r.write(from, rec)
		return err
	}
	return nil
}

func (r *Repository[T]) write(state string, rec T) error {
	data, err := r.spec.Encode(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", r.spec.Domain, rec.RecordID(), err)
	}
	return utils.WriteFileAtomic(r.recordPath(state, rec.RecordID()), data, 0o644)
}

// List returns the records in the given states (all states when none are
// given), sorted by id. Unreadable files are skipped; Verify reports them.
func (r *Repository[T]) List(states ...string) ([]T, error) {
	if len(states) == 0 {
		states = r.spec.States
	}
	var out []T
	for _, st := range states {
		ids, err := r.idsIn(st)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			rec, err := r.read(st, id)
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out, nil
}

func (r *Repository[T]) idsIn(state string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.spec.Root, state))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s directory: %w", state, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		switch r.spec.Layout {
		case DirLayout:
			if e.IsDir() {
				if _, err := os.Stat(filepath.Join(r.spec.Root, state, name, r.spec.File)); err == nil {
					ids = append(ids, name)
				}
			}
		default:
			if !e.IsDir() && strings.HasSuffix(name, r.spec.Ext) && !strings.Contains(name, ".tmp.") {
				ids = append(ids, strings.TrimSuffix(name, r.spec.Ext))
			}
		}
	}
	return ids, nil
}

func (r *Repository[T]) knownState(state string) bool {
	for _, s := range r.spec.States {
		if s == state {
			return true
		}
	}
	return false
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}
