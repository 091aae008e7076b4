package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/store"
)

// OnboardResult reports where onboarding left the account.
type OnboardResult struct {
	PersonToken string
	// KYC is nil when no decision exists yet.
	KYC       *store.KYCStatus
	CardToken string
}

// Onboard integrates an account with the issuing platform. An existing remote
// person with the same email is reused and updated. KYC and provisional card
// issuance run in parallel once the person token is bound.
func (o *Orchestrator) Onboard(ctx context.Context, accountID string, applicant mapper.Applicant) (*OnboardResult, error) {
	account, err := o.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := o.store.StartSaga(ctx, accountID, SagaOnboard, ""); err != nil {
		return nil, err
	}

	var existing *issuer.User
	err = o.step(ctx, accountID, SagaOnboard, StepLookupPerson, func(ctx context.Context) (string, error) {
		if account.PersonToken != nil {
			u, err := o.remote.GetUser(ctx, *account.PersonToken)
			if err != nil {
				return "", fmt.Errorf("get bound person %s: %w", *account.PersonToken, err)
			}
			existing = u
			return "bound", nil
		}
		u, err := o.remote.LookupUserByEmail(ctx, applicant.Email)
		if err != nil {
			return "", fmt.Errorf("lookup person by email: %w", err)
		}
		if u == nil {
			return "absent", nil
		}
		existing = u
		return "found", nil
	})
	if err != nil {
		return nil, err
	}

	var person *store.Person
	err = o.step(ctx, accountID, SagaOnboard, StepUpsertPerson, func(ctx context.Context) (string, error) {
		user, detail, err := o.upsertRemotePerson(ctx, accountID, existing, applicant)
		if err != nil {
			return "", err
		}
		if err := o.store.BindPersonToken(ctx, accountID, user.Token); err != nil {
			return "", err
		}
		person, err = o.refreshPerson(ctx, accountID, user.Token)
		if err != nil {
			return "", err
		}
		return detail, nil
	})
	if err != nil {
		return nil, err
	}

	result := &OnboardResult{PersonToken: person.Token, KYC: person.KYCStatus}
	approved := person.KYCStatus != nil && *person.KYCStatus == store.KYCApproved

	// Neither step cancels the other; Wait only collects the errors.
	var g errgroup.Group
	g.Go(func() error {
		if approved {
			return o.store.MarkStep(ctx, accountID, SagaOnboard, StepProcessKYC, store.StepDone, "already approved")
		}
		return o.step(ctx, accountID, SagaOnboard, StepProcessKYC, func(ctx context.Context) (string, error) {
			p, err := o.runKYC(ctx, accountID, person.Token)
			if err != nil {
				return "", err
			}
			result.KYC = p.KYCStatus
			return string(*p.KYCStatus), nil
		})
	})
	g.Go(func() error {
		return o.step(ctx, accountID, SagaOnboard, StepIssueCard, func(ctx context.Context) (string, error) {
			token, err := o.ensureCard(ctx, accountID, person.Token)
			if err != nil {
				return "", err
			}
			result.CardToken = token
			return token, nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := o.store.FinishSaga(ctx, accountID, SagaOnboard); err != nil {
		return nil, err
	}
	o.logger.Info("account onboarded", "account_id", accountID, "person_token", result.PersonToken, "card_token", result.CardToken)
	return result, nil
}

// upsertRemotePerson updates an existing remote person or creates a new one.
func (o *Orchestrator) upsertRemotePerson(ctx context.Context, accountID string, existing *issuer.User, a mapper.Applicant) (*issuer.User, string, error) {
	if existing != nil {
		user, err := o.remote.UpdateUser(ctx, existing.Token, mapper.UserUpdateFromApplicant(accountID, a))
		if err != nil {
			return nil, "", fmt.Errorf("update person %s: %w", existing.Token, err)
		}
		return user, "updated", nil
	}
	user, err := o.remote.CreateUser(ctx, mapper.UserRequestFromApplicant(o.newToken(), accountID, a))
	if err != nil {
		return nil, "", fmt.Errorf("create person: %w", err)
	}
	return user, "created", nil
}

// refreshPerson reads the person and its latest KYC from the platform and
// stores the projection.
func (o *Orchestrator) refreshPerson(ctx context.Context, accountID, token string) (*store.Person, error) {
	user, err := o.remote.GetUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get person %s: %w", token, err)
	}
	kyc, err := o.latestKYC(ctx, token)
	if err != nil {
		return nil, err
	}
	p, err := mapper.PersonFromRemote(accountID, *user, kyc)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.UpsertPerson(ctx, p); err != nil {
		return nil, fmt.Errorf("store person %s: %w", token, err)
	}
	return o.store.GetPerson(ctx, token)
}

func (o *Orchestrator) runKYC(ctx context.Context, accountID, personToken string) (*store.Person, error) {
	if _, err := o.remote.ProcessKYC(ctx, issuer.KYCRequest{Token: o.newToken(), UserToken: personToken}); err != nil {
		return nil, fmt.Errorf("process kyc for %s: %w", personToken, err)
	}
	p, err := o.refreshPerson(ctx, accountID, personToken)
	if err != nil {
		return nil, err
	}
	if p.KYCStatus == nil {
		return nil, fmt.Errorf("kyc for %s: no decision recorded", personToken)
	}
	return p, nil
}

// ensureCard issues a card unless the account already holds one that is not
// TERMINATED. It returns the token of the live card.
func (o *Orchestrator) ensureCard(ctx context.Context, accountID, personToken string) (string, error) {
	held, err := o.store.CardsForAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	for _, c := range held {
		if c.State != store.StateTerminated {
			return c.Token, nil
		}
	}

	remote, err := o.remote.CreateCard(ctx, mapper.CardRequest(o.newToken(), personToken, o.cfg.CardProductToken))
	if err != nil {
		return "", fmt.Errorf("issue card for %s: %w", personToken, err)
	}
	card, err := mapper.CardFromRemote(accountID, *remote)
	if err != nil {
		return "", err
	}
	if _, err := o.store.UpsertCard(ctx, card); err != nil {
		return "", fmt.Errorf("store card %s: %w", card.Token, err)
	}
	return card.Token, nil
}

// CompleteOnboarding finishes an onboarding whose person is bound: it runs KYC
// when the last attempt did not complete and issues the missing card.
func (o *Orchestrator) CompleteOnboarding(ctx context.Context, accountID string) (*OnboardResult, error) {
	account, err := o.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.PersonToken == nil {
		return nil, fmt.Errorf("complete onboarding of %s: %w", accountID, ErrNotOnboarded)
	}
	token := *account.PersonToken
	if err := o.store.StartSaga(ctx, accountID, SagaOnboard, ""); err != nil {
		return nil, err
	}
	result := &OnboardResult{PersonToken: token}

	person, err := o.store.GetPerson(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		person, err = o.refreshPerson(ctx, accountID, token)
	}
	if err != nil {
		return nil, err
	}
	result.KYC = person.KYCStatus
	if person.KYCStatus == nil || *person.KYCStatus == store.KYCPending {
		done, err := o.store.StepDone(ctx, accountID, SagaOnboard, StepProcessKYC)
		if err != nil {
			return nil, err
		}
		if !done {
			err := o.step(ctx, accountID, SagaOnboard, StepProcessKYC, func(ctx context.Context) (string, error) {
				p, err := o.runKYC(ctx, accountID, token)
				if err != nil {
					return "", err
				}
				result.KYC = p.KYCStatus
				return string(*p.KYCStatus), nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	err = o.step(ctx, accountID, SagaOnboard, StepIssueCard, func(ctx context.Context) (string, error) {
		cardToken, err := o.ensureCard(ctx, accountID, token)
		if err != nil {
			return "", err
		}
		result.CardToken = cardToken
		return cardToken, nil
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.FinishSaga(ctx, accountID, SagaOnboard); err != nil {
		return nil, err
	}
	o.logger.Info("onboarding completed", "account_id", accountID, "card_token", result.CardToken)
	return result, nil
}
