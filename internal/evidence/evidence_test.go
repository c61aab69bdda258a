package evidence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(t.TempDir(), "")
}

func TestEnsureRoundIsIdempotentUntilFinal(t *testing.T) {
	s := newService(t)

	r1, err := s.EnsureRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, r1)

	again, err := s.EnsureRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, again)

	require.NoError(t, s.WriteBundle("T1", 1, &BundleSummary{Approved: false}))
	again, err = s.EnsureRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, again, "draft bundle keeps the round active")

	require.NoError(t, s.WriteBundle("T1", 1, &BundleSummary{Approved: true, Status: StatusFinal}))
	r2, err := s.EnsureRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 2, r2)

	rounds, err := s.Rounds("T1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rounds)
}

func TestRoundStatusDerivation(t *testing.T) {
	s := newService(t)
	_, err := s.EnsureRound("T1")
	require.NoError(t, err)

	st, err := s.RoundStatus("T1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, st, "missing bundle is draft")

	// A legacy bundle without a status field is final.
	legacy := `{"task_id":"T1","approved":true}`
	require.NoError(t, os.WriteFile(filepath.Join(s.RoundDir("T1", 1), DefaultBundleFile), []byte(legacy), 0o644))
	st, err = s.RoundStatus("T1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFinal, st)

	next, err := s.EnsureRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 2, next, "legacy rounds are never reused")
}

func TestFinalRoundIsImmutable(t *testing.T) {
	s := newService(t)
	_, err := s.EnsureRound("T1")
	require.NoError(t, err)
	require.NoError(t, s.WriteBundle("T1", 1, &BundleSummary{Approved: true}))

	b, err := s.Finalize("T1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFinal, b.Status)

	err = s.WriteValidatorReport(&ValidatorReport{TaskID: "T1", Round: 1, ValidatorID: "global", Verdict: VerdictApprove})
	assert.ErrorIs(t, err, ErrRoundFinalized)
	err = s.WriteImplementationReport(&ImplementationReport{TaskID: "T1", Round: 1}, "")
	assert.ErrorIs(t, err, ErrRoundFinalized)
	err = s.WriteBundle("T1", 1, &BundleSummary{})
	assert.ErrorIs(t, err, ErrRoundFinalized)
	_, err = s.Finalize("T1", 1)
	assert.ErrorIs(t, err, ErrRoundFinalized)
}

func TestFinalizeRequiresBundle(t *testing.T) {
	s := newService(t)
	_, err := s.EnsureRound("T1")
	require.NoError(t, err)
	_, err = s.Finalize("T1", 1)
	require.ErrorIs(t, err, ErrMissingEvidence)
}

func TestNewRoundRefusesWhileActive(t *testing.T) {
	s := newService(t)
	n, err := s.NewRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.NewRound("T1")
	assert.ErrorIs(t, err, ErrRoundActive)
}

func TestWriteRequiresExistingRound(t *testing.T) {
	s := newService(t)
	err := s.WriteValidatorReport(&ValidatorReport{TaskID: "T1", Round: 3, ValidatorID: "x", Verdict: VerdictApprove})
	assert.ErrorIs(t, err, ErrNoRound)

	_, err = s.EnsureRound("T1")
	require.NoError(t, err)
	err = s.WriteValidatorReport(&ValidatorReport{TaskID: "T1", Round: 1, ValidatorID: "x", Verdict: "maybe"})
	assert.Error(t, err)
	err = s.WriteValidatorReport(&ValidatorReport{TaskID: "T1", Round: 1, ValidatorID: "../x", Verdict: VerdictApprove})
	assert.Error(t, err)
}

func TestReportsRoundTrip(t *testing.T) {
	s := newService(t)
	_, err := s.EnsureRound("T1")
	require.NoError(t, err)

	require.NoError(t, s.WriteImplementationReport(&ImplementationReport{
		TaskID: "T1", Round: 1, Summary: "added schema", FilesChanged: []string{"prisma/schema.prisma"},
	}, "# Notes\n"))
	assert.FileExists(t, filepath.Join(s.RoundDir("T1", 1), ImplementationNotesFile))

	impl, err := s.ReadImplementationReport("T1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"prisma/schema.prisma"}, impl.FilesChanged)

	for _, id := range []string{"security", "global"} {
		require.NoError(t, s.WriteValidatorReport(&ValidatorReport{
			TaskID: "T1", Round: 1, ValidatorID: id, Verdict: VerdictApprove, Blocking: true,
		}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.RoundDir("T1", 1), ValidatorReportFile("broken")), []byte("{"), 0o644))

	reports, err := s.ReadValidatorReports("T1", 1)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "broken", reports[0].ValidatorID)
	assert.Equal(t, VerdictBlocked, reports[0].Verdict)
	assert.Equal(t, "global", reports[1].ValidatorID)
	assert.Equal(t, "security", reports[2].ValidatorID)

	one, err := s.ReadValidatorReport("T1", 1, "global")
	require.NoError(t, err)
	assert.True(t, one.Blocking)
}

func TestMissingEvidence(t *testing.T) {
	s := newService(t)
	_, err := s.EnsureRound("T1")
	require.NoError(t, err)

	err = s.MissingEvidence("T1", 1, []string{ImplementationReportFile, "coverage.json"})
	require.ErrorIs(t, err, ErrMissingEvidence)
	var me *MissingError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, []string{ImplementationReportFile, "coverage.json"}, me.Missing)

	require.NoError(t, s.WriteImplementationReport(&ImplementationReport{TaskID: "T1", Round: 1}, ""))
	err = s.MissingEvidence("T1", 1, []string{ImplementationReportFile})
	assert.NoError(t, err)

	assert.ErrorIs(t, s.MissingEvidence("T1", 0, nil), ErrMissingEvidence)
}

func TestCheckBundle(t *testing.T) {
	s := newService(t)
	clock := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, err := s.CheckBundle("T1")
	assert.ErrorIs(t, err, ErrMissingEvidence)

	_, err = s.EnsureRound("T1")
	require.NoError(t, err)
	_, err = s.CheckBundle("T1")
	assert.ErrorIs(t, err, ErrMissingEvidence)

	require.NoError(t, s.WriteValidatorReport(&ValidatorReport{TaskID: "T1", Round: 1, ValidatorID: "global", Verdict: VerdictApprove}))
	clock = clock.Add(time.Minute)
	require.NoError(t, s.WriteBundle("T1", 1, &BundleSummary{Approved: true}))

	b, err := s.CheckBundle("T1")
	require.NoError(t, err)
	assert.True(t, b.Approved)
	assert.Equal(t, StatusDraft, b.Status)

	clock = clock.Add(time.Minute)
	require.NoError(t, s.WriteValidatorReport(&ValidatorReport{TaskID: "T1", Round: 1, ValidatorID: "security", Verdict: VerdictReject}))
	_, err = s.CheckBundle("T1")
	assert.ErrorIs(t, err, ErrStaleBundle)
}

func TestCheckFinalBundleSkipsDraftRounds(t *testing.T) {
	s := newService(t)

	_, err := s.CheckFinalBundle("T1")
	assert.ErrorIs(t, err, ErrMissingEvidence)

	_, err = s.EnsureRound("T1")
	require.NoError(t, err)
	require.NoError(t, s.WriteBundle("T1", 1, &BundleSummary{Approved: true}))
	_, err = s.CheckFinalBundle("T1")
	assert.ErrorIs(t, err, ErrMissingEvidence, "a draft bundle is not final")

	_, err = s.Finalize("T1", 1)
	require.NoError(t, err)
	_, err = s.EnsureRound("T1")
	require.NoError(t, err)

	final, err := s.LatestFinalRound("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, final)

	b, err := s.CheckFinalBundle("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Round)
	assert.True(t, b.Approved)
	assert.Equal(t, StatusFinal, b.Status)
}
