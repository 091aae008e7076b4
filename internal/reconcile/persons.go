package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/pagination"
	"github.com/example/issuer-sync/internal/store"
)

// PersonSync walks every remote person and refreshes the projection of those
// bound to a local account, together with their latest KYC decision.
func (j *Jobs) PersonSync(ctx context.Context) (Report, error) {
	start := time.Now()
	t := &tally{}

	accounts, err := j.store.ListIntegratedAccounts(ctx)
	if err != nil {
		return j.finish(KindPersons, t, start), err
	}
	owners := make(map[string]string, len(accounts))
	for _, a := range accounts {
		owners[*a.PersonToken] = a.ID
	}

	res := pagination.FetchAll(ctx, j.remote.ListUsers, issuer.ListParams{}, j.fetchOptions())
	if res.Err != nil && len(res.Items) == 0 {
		return j.finish(KindPersons, t, start), fmt.Errorf("list persons: %w", res.Err)
	}
	if res.Err != nil {
		t.partial()
		j.logger.Warn("person walk stopped early", "error", res.Err, "fetched", len(res.Items))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Parallelism)
	for _, u := range res.Items {
		accountID, ok := owners[u.Token]
		if !ok {
			t.skipped()
			j.logger.Debug("remote person skipped", "person_token", u.Token, "error", ErrNoLocalMatch)
			continue
		}
		g.Go(func() error {
			err := t.record(j.syncPerson(gctx, accountID, u))
			if err == nil {
				return nil
			}
			if fatal(err) {
				return err
			}
			j.logger.Warn("person sync failed", "person_token", u.Token, "account_id", accountID, "error", err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return j.finish(KindPersons, t, start), err
	}
	if res.ProtocolViolation() {
		return j.finish(KindPersons, t, start), res.Err
	}
	return j.finish(KindPersons, t, start), nil
}

func (j *Jobs) syncPerson(ctx context.Context, accountID string, u issuer.User) (store.Change, error) {
	if err := j.pause(ctx); err != nil {
		return store.Change{}, err
	}
	page, err := j.remote.ListKYC(ctx, u.Token, issuer.ListParams{Count: 1, SortBy: "-createdTime"})
	if err != nil {
		return store.Change{}, fmt.Errorf("list kyc of %s: %w", u.Token, err)
	}
	var kyc *issuer.KYCResult
	if len(page.Data) > 0 {
		kyc = &page.Data[0]
	}
	p, err := mapper.PersonFromRemote(accountID, u, kyc)
	if err != nil {
		return store.Change{}, err
	}
	return j.store.UpsertPerson(ctx, p)
}
