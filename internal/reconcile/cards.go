package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/pagination"
	"github.com/example/issuer-sync/internal/store"
)

// CardSync walks the cards of every integrated account and converges the
// local card projections onto them. State changes found this way are written
// to the card journal.
func (j *Jobs) CardSync(ctx context.Context) (Report, error) {
	start := time.Now()
	t := &tally{}

	accounts, err := j.store.ListIntegratedAccounts(ctx)
	if err != nil {
		return j.finish(KindCards, t, start), err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Parallelism)
	for _, a := range accounts {
		g.Go(func() error {
			if err := j.pause(gctx); err != nil {
				return err
			}
			personToken := *a.PersonToken
			list := func(ctx context.Context, p issuer.ListParams) (*issuer.Page[issuer.Card], error) {
				return j.remote.ListCardsForUser(ctx, personToken, p)
			}
			res := pagination.FetchAll(gctx, list, issuer.ListParams{}, j.fetchOptions())
			if res.Err != nil {
				t.walkFailed(res.Err, len(res.Items))
				j.logger.Warn("card walk stopped early", "account_id", a.ID, "error", res.Err, "fetched", len(res.Items))
			}
			for _, rc := range res.Items {
				if err := gctx.Err(); err != nil {
					return err
				}
				err := j.syncCard(gctx, t, a.ID, rc)
				if err == nil {
					continue
				}
				if fatal(err) {
					return err
				}
				j.logger.Warn("card sync failed", "card_token", rc.Token, "account_id", a.ID, "error", err)
			}
			if res.ProtocolViolation() {
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return j.finish(KindCards, t, start), err
	}
	if err := t.allUnreadable(len(accounts)); err != nil {
		return j.finish(KindCards, t, start), fmt.Errorf("list cards: %w", err)
	}
	return j.finish(KindCards, t, start), nil
}

func (j *Jobs) syncCard(ctx context.Context, t *tally, accountID string, rc issuer.Card) error {
	c, err := mapper.CardFromRemote(accountID, rc)
	if err != nil {
		t.failed()
		return err
	}
	ch, err := j.store.UpsertCard(ctx, c)
	if errors.Is(err, store.ErrTerminalState) {
		j.logger.Debug("terminated card left as is", "card_token", c.Token, "remote_state", c.State)
	}
	if err := t.record(ch, err); err != nil || !ch.Outcome.Applied() {
		return err
	}
	if ch.Outcome != store.OutcomeUpdated || ch.From == string(c.State) {
		return nil
	}
	if _, err := j.journal.Record(ctx, store.CardTransitionRecord{
		CardToken: c.Token,
		FromState: store.CardState(ch.From),
		ToState:   c.State,
		Channel:   string(cards.ChannelSystem),
		Source:    cards.SourceSync,
		CreatedBy: "reconcile",
		CreatedAt: c.RemoteUpdatedAt,
	}); err != nil {
		return err
	}
	j.logger.Info("card drift corrected", "card_token", c.Token, "from", ch.From, "to", string(c.State))
	return nil
}
