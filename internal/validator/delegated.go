package validator

import (
	"context"

	"github.com/edisonflow/edison/internal/evidence"
)

// DelegatedEngine hands a validator to an external agent. Running it only
// records a pending report; the agent later submits the real verdict with
// `qa report submit`.
type DelegatedEngine struct{}

// Name implements Engine.
func (DelegatedEngine) Name() string { return "delegated" }

// Run implements Engine.
func (DelegatedEngine) Run(_ context.Context, req Request) (Result, error) {
	return Result{
		Verdict: evidence.VerdictPending,
		Summary: "awaiting verdict from " + req.Validator.ID + " agent",
	}, nil
}
