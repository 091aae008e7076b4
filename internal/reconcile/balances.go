package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/example/issuer-sync/internal/store"
)

// LowBalanceSweep reads the balance of every integrated account and flags
// those whose available funds fall below the configured threshold.
func (j *Jobs) LowBalanceSweep(ctx context.Context) (Report, error) {
	start := time.Now()
	t := &tally{}

	accounts, err := j.store.ListIntegratedAccounts(ctx)
	if err != nil {
		return j.finish(KindLowBalance, t, start), err
	}
	failed := 0
	var lastErr error
	for _, a := range accounts {
		if err := j.pause(ctx); err != nil {
			return j.finish(KindLowBalance, t, start), err
		}
		if err := j.sweepAccount(ctx, t, a); err != nil {
			failed++
			lastErr = err
			t.failed()
			j.logger.Warn("balance check failed", "account_id", a.ID, "error", err)
		}
	}
	if failed > 0 && failed == len(accounts) {
		return j.finish(KindLowBalance, t, start), lastErr
	}
	return j.finish(KindLowBalance, t, start), nil
}

func (j *Jobs) sweepAccount(ctx context.Context, t *tally, a store.Account) error {
	bal, err := j.remote.GetBalance(ctx, *a.PersonToken)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", *a.PersonToken, err)
	}
	low := bal.AvailableBalance.LessThan(j.cfg.LowBalanceThreshold)
	unchanged := a.LowBalance == low && a.AvailableBalance != nil && a.AvailableBalance.Equal(bal.AvailableBalance)
	if unchanged {
		t.outcome(store.OutcomeUnchanged)
		return nil
	}
	if err := j.store.SetBalance(ctx, a.ID, bal.AvailableBalance, low); err != nil {
		return err
	}
	t.outcome(store.OutcomeUpdated)
	if low != a.LowBalance {
		j.logger.Info("low balance flag changed",
			"account_id", a.ID,
			"low", low,
			"available", bal.AvailableBalance.String(),
			"threshold", j.cfg.LowBalanceThreshold.String(),
		)
	}
	return nil
}
