package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/example/issuer-sync/internal/lifecycle"
	"github.com/example/issuer-sync/internal/store"
)

// ResumeSweep finishes onboardings that stopped between KYC approval and card
// issuance, then retries pending sagas and deposit account compensations.
func (j *Jobs) ResumeSweep(ctx context.Context) (Report, error) {
	start := time.Now()
	t := &tally{}

	persons, err := j.store.ApprovedWithoutCard(ctx)
	if err != nil {
		return j.finish(KindResume, t, start), err
	}
	for _, p := range persons {
		if err := j.pause(ctx); err != nil {
			return j.finish(KindResume, t, start), err
		}
		res, err := j.resumer.CompleteOnboarding(ctx, p.AccountID)
		switch {
		case errors.Is(err, lifecycle.ErrAccountClosed), errors.Is(err, lifecycle.ErrNotOnboarded):
			t.skipped()
		case err != nil:
			t.failed()
			j.logger.Warn("complete onboarding failed", "account_id", p.AccountID, "error", err)
		default:
			t.outcome(store.OutcomeUpdated)
			j.logger.Info("onboarding completed", "account_id", p.AccountID, "card_token", res.CardToken)
		}
	}

	for _, step := range []struct {
		name string
		run  func(context.Context) (lifecycle.Resumed, error)
	}{
		{"onboardings", j.resumer.ResumeOnboardings},
		{"closures", j.resumer.ResumeClosures},
		{"compensations", j.resumer.RetryCompensations},
	} {
		r, err := step.run(ctx)
		if err != nil {
			return j.finish(KindResume, t, start), err
		}
		t.resumed(r)
		if r.Seen > 0 {
			j.logger.Info("resumed pending work", "kind", step.name, "seen", r.Seen, "completed", r.Completed, "skipped", r.Skipped, "failed", r.Failed)
		}
	}
	return j.finish(KindResume, t, start), nil
}
