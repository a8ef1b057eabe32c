package distribution

import (
	"context"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"golang.org/x/sync/errgroup"
)

// quotaRequest is the filter shared by the Active and Served sides of a quota fetch.
type quotaRequest struct {
	filter polls.Filter
	order  polls.Order
	skip   int
}

// quotaResult keeps the two sides apart so Active candidates can precede Served ones.
type quotaResult struct {
	active []polls.Poll
	served []polls.Poll
}

func (r quotaResult) size() int {
	return len(r.active) + len(r.served)
}

// composeQuota mixes Active and Served candidates 6:4. A side that comes up short is
// compensated by re-fetching the other side with its limit raised by the shortfall. The
// shortfalls are measured on results that already exclude the request's excluded ids.
func composeQuota(ctx context.Context, finder Finder, request quotaRequest) (quotaResult, error) {
	fetch := func(ctx context.Context, store polls.Store, limit int) ([]polls.Poll, error) {
		return finder.Find(ctx, store, polls.Query{
			Filter: request.filter,
			Order:  request.order,
			Skip:   request.skip,
			Limit:  limit,
		})
	}

	var result quotaResult
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		found, err := fetch(groupCtx, polls.StoreActive, activeQuota)
		result.active = found
		return err
	})
	group.Go(func() error {
		found, err := fetch(groupCtx, polls.StoreServed, servedQuota)
		result.served = found
		return err
	})
	if err := group.Wait(); err != nil {
		return quotaResult{}, err
	}

	activeFound := len(result.active)
	if len(result.served) < servedQuota {
		refetched, err := fetch(ctx, polls.StoreActive, activeQuota+servedQuota-len(result.served))
		if err != nil {
			return quotaResult{}, err
		}
		result.active = refetched
	}
	if activeFound < activeQuota {
		refetched, err := fetch(ctx, polls.StoreServed, servedQuota+activeQuota-activeFound)
		if err != nil {
			return quotaResult{}, err
		}
		result.served = refetched
	}
	return result, nil
}

// take appends Active candidates first, then Served ones, within the selection's capacity.
func (r quotaResult) take(target *selection) int {
	added := target.add(r.active)
	added += target.add(r.served)
	return added
}
