package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/store"
)

const supersededReason = "superseded by concurrent provisioning"

// ProvisionDepositAccount returns the account's single ACTIVE deposit
// account, creating one on the platform when none exists. Concurrent callers
// race on the local one-ACTIVE index; a loser stores its remote account as
// TERMINATED, superseded by the winner, terminates it remotely and returns
// the winner.
func (o *Orchestrator) ProvisionDepositAccount(ctx context.Context, accountID string) (*store.DepositAccount, error) {
	active, err := o.store.ActiveDepositAccount(ctx, accountID)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	account, err := o.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.PersonToken == nil {
		return nil, fmt.Errorf("provision deposit account for %s: %w", accountID, ErrNotOnboarded)
	}

	remote, err := o.remote.CreateDepositAccount(ctx, issuer.DepositAccountRequest{
		Token:     o.newToken(),
		UserToken: *account.PersonToken,
	})
	if err != nil {
		return nil, fmt.Errorf("create deposit account for %s: %w", accountID, err)
	}
	d, err := mapper.DepositAccountFromRemote(accountID, *remote)
	if err != nil {
		return nil, err
	}

	stored, err := o.store.InsertDepositAccount(ctx, d)
	if err == nil {
		o.logger.Info("deposit account provisioned", "account_id", accountID, "token", stored.Token)
		return stored, nil
	}
	if !errors.Is(err, store.ErrDuplicateActive) {
		return nil, err
	}

	winner, err := o.store.ActiveDepositAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load winning deposit account of %s: %w", accountID, err)
	}
	if err := o.supersede(ctx, d, winner); err != nil {
		return nil, err
	}
	return winner, nil
}

// supersede records a losing deposit account as TERMINATED and terminates it
// on the platform. A failed remote termination stays pending and is retried
// by RetryCompensations.
func (o *Orchestrator) supersede(ctx context.Context, loser store.DepositAccount, winner *store.DepositAccount) error {
	loser.State = store.StateTerminated
	loser.SupersededBy = &winner.ID

	tr, err := o.terminateDeposit(ctx, loser.Token)
	if err != nil {
		o.logger.Warn("superseded deposit account still active remotely",
			"account_id", loser.AccountID, "token", loser.Token, "winner", winner.Token, "error", err)
		loser.CompensationPending = true
	} else if ts := issuer.Timestamp(tr.LastModifiedTime, tr.CreatedTime); !ts.IsZero() {
		loser.RemoteUpdatedAt = ts
	}

	if _, err := o.store.InsertDepositAccount(ctx, loser); err != nil {
		return fmt.Errorf("record superseded deposit account %s: %w", loser.Token, err)
	}
	o.logger.Info("deposit account superseded",
		"account_id", loser.AccountID, "token", loser.Token, "winner", winner.Token)
	return nil
}

func (o *Orchestrator) terminateDeposit(ctx context.Context, token string) (*issuer.DepositAccountTransition, error) {
	return o.remote.TransitionDepositAccount(ctx, issuer.DepositAccountTransitionRequest{
		Token:        o.newToken(),
		AccountToken: token,
		State:        "TERMINATED",
		Reason:       supersededReason,
		Channel:      "SYSTEM",
	})
}

// RetryCompensations terminates superseded deposit accounts whose remote
// termination failed earlier.
func (o *Orchestrator) RetryCompensations(ctx context.Context) (Resumed, error) {
	var r Resumed
	pending, err := o.store.PendingCompensations(ctx)
	if err != nil {
		return r, err
	}
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Seen++
		remote, err := o.remote.GetDepositAccount(ctx, d.Token)
		if err == nil && remote.State != "TERMINATED" {
			_, err = o.terminateDeposit(ctx, d.Token)
		}
		if err != nil {
			r.Failed++
			o.logger.Warn("deposit account compensation failed", "token", d.Token, "error", err)
			continue
		}
		if err := o.store.ClearCompensation(ctx, d.Token); err != nil {
			return r, err
		}
		r.Completed++
	}
	return r, nil
}
