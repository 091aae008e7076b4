package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/store"
)

// Close winds an account down: every card is terminated, the remote person is
// closed and local contact fields are scrubbed. A rerun resumes at the first
// step not yet recorded done; the reason given on the first run is kept.
func (o *Orchestrator) Close(ctx context.Context, accountID, reason string) error {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	saga, err := o.store.GetSaga(ctx, accountID, SagaClose)
	switch {
	case err == nil && saga.Status == store.SagaDone:
		return nil
	case err == nil:
		reason = saga.Input
	case errors.Is(err, store.ErrNotFound):
		if account.Status != store.AccountActive {
			return fmt.Errorf("close account %s: %w", accountID, ErrAccountClosed)
		}
	default:
		return err
	}
	if err := o.store.StartSaga(ctx, accountID, SagaClose, reason); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(ctx context.Context) (string, error)
	}{
		{StepTerminateCards, func(ctx context.Context) (string, error) {
			return o.terminateCards(ctx, accountID, reason)
		}},
		{StepClosePerson, func(ctx context.Context) (string, error) {
			return o.closePerson(ctx, account, reason)
		}},
		{StepScrubContacts, func(ctx context.Context) (string, error) {
			return "", o.store.ScrubAccountContacts(ctx, accountID)
		}},
	}
	for _, st := range steps {
		done, err := o.store.StepDone(ctx, accountID, SagaClose, st.name)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := o.step(ctx, accountID, SagaClose, st.name, st.fn); err != nil {
			return err
		}
	}

	if err := o.store.FinishSaga(ctx, accountID, SagaClose); err != nil {
		return err
	}
	o.logger.Info("account closed", "account_id", accountID, "reason", reason)
	return nil
}

func (o *Orchestrator) terminateCards(ctx context.Context, accountID, reason string) (string, error) {
	held, err := o.store.CardsForAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	n := 0
	for _, c := range held {
		if c.State == store.StateTerminated {
			continue
		}
		_, err := o.cards.Transition(ctx, cards.TransitionRequest{
			CardToken: c.Token,
			ToState:   store.StateTerminated,
			Reason:    reason,
			Channel:   cards.ChannelSystem,
			CreatedBy: "account-closure",
		})
		if err != nil {
			return "", err
		}
		n++
	}
	return fmt.Sprintf("%d terminated", n), nil
}

func (o *Orchestrator) closePerson(ctx context.Context, account *store.Account, reason string) (string, error) {
	if account.PersonToken == nil {
		return "never onboarded", nil
	}
	token := *account.PersonToken
	user, err := o.remote.GetUser(ctx, token)
	if err != nil {
		return "", fmt.Errorf("get person %s: %w", token, err)
	}
	if user.Status != string(store.PersonClosed) {
		if _, err := o.remote.TransitionUser(ctx, issuer.UserTransitionRequest{
			Token:      o.newToken(),
			UserToken:  token,
			Status:     string(store.PersonClosed),
			ReasonCode: "01",
			Reason:     reason,
			Channel:    string(cards.ChannelSystem),
		}); err != nil {
			return "", fmt.Errorf("close person %s: %w", token, err)
		}
	}
	person, err := o.refreshPerson(ctx, account.ID, token)
	if err != nil {
		return "", err
	}
	if person.Status != store.PersonClosed {
		return "", fmt.Errorf("person %s is %s: %w", token, person.Status, ErrClosureNotConfirmed)
	}
	return "closed", nil
}

// ResumeClosures reruns every closure that did not finish.
func (o *Orchestrator) ResumeClosures(ctx context.Context) (Resumed, error) {
	var r Resumed
	pending, err := o.store.PendingSagas(ctx, SagaClose)
	if err != nil {
		return r, err
	}
	for _, saga := range pending {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Seen++
		if err := o.Close(ctx, saga.AccountID, saga.Input); err != nil {
			r.Failed++
			o.logger.Warn("closure still incomplete", "account_id", saga.AccountID, "error", err)
			continue
		}
		r.Completed++
	}
	return r, nil
}

// Resumed counts the outcome of a resumption pass.
type Resumed struct {
	Seen      int
	Completed int
	Skipped   int
	Failed    int
}

// ResumeOnboardings finishes onboardings that stopped after the person was
// bound. Runs that never bound a person need the applicant again and are
// skipped.
func (o *Orchestrator) ResumeOnboardings(ctx context.Context) (Resumed, error) {
	var r Resumed
	pending, err := o.store.PendingSagas(ctx, SagaOnboard)
	if err != nil {
		return r, err
	}
	for _, saga := range pending {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Seen++
		_, err := o.CompleteOnboarding(ctx, saga.AccountID)
		switch {
		case err == nil:
			r.Completed++
		case errors.Is(err, ErrNotOnboarded), errors.Is(err, ErrAccountClosed):
			r.Skipped++
		default:
			r.Failed++
			o.logger.Warn("onboarding still incomplete", "account_id", saga.AccountID, "error", err)
		}
	}
	return r, nil
}
