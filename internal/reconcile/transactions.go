package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/pagination"
	"github.com/example/issuer-sync/internal/store"
)

// TransactionSync lists the recent transactions of every live card and
// records them. A clearing or reversal that references an earlier
// transaction also moves that transaction's settlement state.
func (j *Jobs) TransactionSync(ctx context.Context) (Report, error) {
	start := time.Now()
	t := &tally{}

	live, err := j.store.LiveCards(ctx)
	if err != nil {
		return j.finish(KindTransactions, t, start), err
	}
	end := j.now()
	window := issuer.TransactionQuery{Start: end.Add(-j.cfg.TransactionLookback), End: end}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Parallelism)
	for _, c := range live {
		g.Go(func() error {
			if err := j.pause(gctx); err != nil {
				return err
			}
			q := window
			q.UserToken = c.PersonToken
			q.CardToken = c.Token
			list := func(ctx context.Context, p issuer.ListParams) (*issuer.Page[issuer.Transaction], error) {
				return j.remote.ListTransactions(ctx, q, p)
			}
			res := pagination.FetchAll(gctx, list, issuer.ListParams{SortBy: "createdTime"}, j.fetchOptions())
			if res.Err != nil {
				t.walkFailed(res.Err, len(res.Items))
				j.logger.Warn("transaction walk stopped early", "card_token", c.Token, "error", res.Err, "fetched", len(res.Items))
			}
			for _, rt := range res.Items {
				if err := gctx.Err(); err != nil {
					return err
				}
				err := j.syncTransaction(gctx, t, rt)
				if err == nil {
					continue
				}
				if fatal(err) {
					return err
				}
				j.logger.Warn("transaction sync failed", "transaction_token", rt.Token, "card_token", c.Token, "error", err)
			}
			if res.ProtocolViolation() {
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return j.finish(KindTransactions, t, start), err
	}
	if err := t.allUnreadable(len(live)); err != nil {
		return j.finish(KindTransactions, t, start), fmt.Errorf("list transactions: %w", err)
	}
	return j.finish(KindTransactions, t, start), nil
}

func (j *Jobs) syncTransaction(ctx context.Context, t *tally, rt issuer.Transaction) error {
	tx, err := mapper.TransactionFromRemote(rt)
	if err != nil {
		t.failed()
		return err
	}
	if err := t.record(j.store.UpsertTransaction(ctx, tx)); err != nil {
		return err
	}
	if tx.PrecedingToken == nil {
		return nil
	}
	if tx.Settlement != store.SettlementCleared && tx.Settlement != store.SettlementReversed {
		return nil
	}
	ch, err := j.store.ApplySettlement(ctx, *tx.PrecedingToken, tx.Settlement, tx.RemoteUpdatedAt.UnixMilli())
	switch {
	case errors.Is(err, store.ErrNotFound):
		j.logger.Debug("settled transaction not held locally", "transaction_token", *tx.PrecedingToken)
		return nil
	case err != nil:
		return fmt.Errorf("settle %s: %w", *tx.PrecedingToken, err)
	}
	if ch.Outcome.Applied() {
		j.logger.Info("transaction settled", "transaction_token", *tx.PrecedingToken, "from", ch.From, "to", string(tx.Settlement))
	}
	return nil
}
