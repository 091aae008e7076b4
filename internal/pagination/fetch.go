// Package pagination drains offset-paginated remote collections.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/issuer-sync/internal/issuer"
)

// ErrNonAdvancingCursor is a protocol violation: the server reported a next
// offset that does not move past the offset it was asked for.
var ErrNonAdvancingCursor = errors.New("non-advancing pagination cursor")

// ErrTooManyPages is returned when Options.MaxPages is reached before the
// server reports the end of the collection.
var ErrTooManyPages = errors.New("pagination page limit reached")

// CursorError carries the offsets involved in a non-advancing cursor.
type CursorError struct {
	Requested  int
	NextOffset int
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("%s: requested start_index %d, server reported next %d", ErrNonAdvancingCursor, e.Requested, e.NextOffset)
}

func (e *CursorError) Unwrap() error { return ErrNonAdvancingCursor }

// ListFunc fetches a single page.
type ListFunc[T any] func(ctx context.Context, params issuer.ListParams) (*issuer.Page[T], error)

// Options tune a FetchAll walk.
type Options struct {
	PageSize int
	// Delay is slept between pages to stay under the platform rate limit.
	Delay    time.Duration
	MaxPages int
}

// Result is what a walk produced. Complete is true only when the server said
// there were no more pages; otherwise Err explains why the walk stopped and
// Items holds whatever was accumulated before that.
type Result[T any] struct {
	Items    []T
	Complete bool
	Pages    int
	Err      error
}

// Partial reports whether the walk stopped early but still produced items.
func (r Result[T]) Partial() bool {
	return !r.Complete && len(r.Items) > 0
}

// ProtocolViolation reports whether the walk was aborted by a misbehaving server.
func (r Result[T]) ProtocolViolation() bool {
	return errors.Is(r.Err, ErrNonAdvancingCursor)
}

// FetchAll walks a collection from seed.StartIndex until the server reports
// is_more=false. Each page is requested with start_index = previous end_index+1.
// Errors are never retried here; the single-call retry lives in the client.
func FetchAll[T any](ctx context.Context, list ListFunc[T], seed issuer.ListParams, opts Options) Result[T] {
	var res Result[T]

	params := seed
	if opts.PageSize > 0 {
		params.Count = opts.PageSize
	}

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		page, err := list(ctx, params)
		if err != nil {
			res.Err = fmt.Errorf("fetch page at start_index %d: %w", params.StartIndex, err)
			return res
		}
		res.Pages++
		res.Items = append(res.Items, page.Data...)

		if !page.IsMore {
			res.Complete = true
			return res
		}

		next := page.EndIndex + 1
		if next <= params.StartIndex {
			res.Err = &CursorError{Requested: params.StartIndex, NextOffset: next}
			return res
		}
		if opts.MaxPages > 0 && res.Pages >= opts.MaxPages {
			res.Err = fmt.Errorf("%w: %d", ErrTooManyPages, opts.MaxPages)
			return res
		}
		params.StartIndex = next

		if opts.Delay > 0 {
			t := time.NewTimer(opts.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				res.Err = ctx.Err()
				return res
			case <-t.C:
			}
		}
	}
}
