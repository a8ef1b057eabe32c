package distribution

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opFeedNew = "distribution.feed.new"

	layerPreferenceWalk = "preference_walk"
	layerTrending       = "geo_trending"

	defaultPrefetchWindow = 3
)

// FeedConfig wires a FeedSelector.
type FeedConfig struct {
	Finder   Finder
	Observer Observer
	Logger   *zap.Logger
	// PrefetchWindow is the number of preference categories fetched concurrently.
	PrefetchWindow int
}

// FeedSelector produces discovery feed pages.
type FeedSelector struct {
	finder   Finder
	observer Observer
	logger   *zap.Logger
	window   int
}

// NewFeedSelector validates the configuration and constructs a FeedSelector.
func NewFeedSelector(cfg FeedConfig) (*FeedSelector, error) {
	if cfg.Finder == nil {
		return nil, polls.NewServiceError(opFeedNew, "missing_finder", errMissingFinder)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	window := cfg.PrefetchWindow
	if window <= 0 {
		window = defaultPrefetchWindow
	}
	return &FeedSelector{finder: cfg.Finder, observer: observer, logger: logger, window: window}, nil
}

// SelectFeed returns at most ten distinct polls for the cursor position. The returned
// category index and page describe where the page was taken from; callers request the
// next page by incrementing Page.
func (s *FeedSelector) SelectFeed(ctx context.Context, cursor Cursor, preferences Preferences) (FeedPage, error) {
	if _, err := NewCursor(cursor.CategoryIndex, cursor.Page); err != nil {
		return FeedPage{}, err
	}

	feed := newSelection(PageSize)
	categoryIndex := cursor.CategoryIndex
	pageNumber := cursor.Page
	start := (cursor.Page - 1) * PageSize
	language := polls.NormalizeLanguage(preferences.Language)

	var walk []string
	if categoryIndex < len(preferences.Categories) {
		walk = preferences.Categories[categoryIndex:]
	}

	walked := 0
	for windowStart := 0; windowStart < len(walk) && !feed.full(); windowStart += s.window {
		windowEnd := min(windowStart+s.window, len(walk))
		prefetched, err := s.prefetch(ctx, walk[windowStart:windowEnd], windowStart, start, language)
		if err != nil {
			return FeedPage{}, layerError(pipelineFeed, layerPreferenceWalk, err)
		}

		for offset := windowStart; offset < windowEnd; offset++ {
			if feed.full() {
				break
			}
			if offset > 0 {
				start = 0
				categoryIndex++
				pageNumber = 1
			}
			walked += prefetched[offset-windowStart].take(feed)
			if !feed.full() && offset == len(walk)-1 {
				categoryIndex++
				pageNumber = 1
				start = 0
			}
		}
	}
	if len(walk) > 0 {
		s.record(layerPreferenceWalk, walked, feed, categoryIndex, pageNumber)
	}

	if !feed.full() {
		added, err := s.trending(ctx, feed, start, preferences.Country)
		if err != nil {
			return FeedPage{}, layerError(pipelineFeed, layerTrending, err)
		}
		s.record(layerTrending, added, feed, categoryIndex, pageNumber)
	}

	return FeedPage{Docs: feed.result(), CategoryIndex: categoryIndex, Page: pageNumber}, nil
}

// prefetch fetches the quota for each category of a window concurrently. Results keep the
// preference order so the reduce stays deterministic.
func (s *FeedSelector) prefetch(ctx context.Context, categories []string, firstOffset, start int, language string) ([]quotaResult, error) {
	results := make([]quotaResult, len(categories))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, category := range categories {
		skip := 0
		if firstOffset+index == 0 {
			skip = start
		}
		category = strings.TrimSpace(category)
		if category == "" || language == "" {
			continue
		}
		group.Go(func() error {
			result, err := composeQuota(groupCtx, s.finder, quotaRequest{
				filter: polls.Filter{CategoryID: category, Language: language, Admin: polls.AdminExcluded},
				order:  polls.OrderPopularity,
				skip:   skip,
			})
			results[index] = result
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// trending fills the page with the most popular polls, topping up short sides with admin
// polls, and keeps only polls whose owner shares the requester's country.
func (s *FeedSelector) trending(ctx context.Context, feed *selection, start int, country string) (int, error) {
	excluded := feed.excluded()
	candidates, err := composeQuota(ctx, s.finder, quotaRequest{
		filter: polls.Filter{Admin: polls.AdminExcluded, ExcludeIDs: excluded},
		order:  polls.OrderPopularity,
		skip:   start,
	})
	if err != nil {
		return 0, err
	}

	adminBackfill := func(store polls.Store, have, quota int) ([]polls.Poll, error) {
		if have >= quota {
			return nil, nil
		}
		return s.finder.Find(ctx, store, polls.Query{
			Filter: polls.Filter{Admin: polls.AdminOnly, ExcludeIDs: excluded},
			Order:  polls.OrderPopularity,
			Skip:   start,
			Limit:  quota - have,
		})
	}
	activeAdmin, err := adminBackfill(polls.StoreActive, len(candidates.active), activeQuota)
	if err != nil {
		return 0, err
	}
	servedAdmin, err := adminBackfill(polls.StoreServed, len(candidates.served), servedQuota)
	if err != nil {
		return 0, err
	}
	candidates.active = append(candidates.active, activeAdmin...)
	candidates.served = append(candidates.served, servedAdmin...)

	local := quotaResult{
		active: sameCountry(candidates.active, country),
		served: sameCountry(candidates.served, country),
	}
	return local.take(feed), nil
}

func sameCountry(candidates []polls.Poll, country string) []polls.Poll {
	country = strings.TrimSpace(country)
	matched := make([]polls.Poll, 0, len(candidates))
	for _, candidate := range candidates {
		if strings.EqualFold(strings.TrimSpace(candidate.OwnerCountry), country) {
			matched = append(matched, candidate)
		}
	}
	return matched
}

func (s *FeedSelector) record(layer string, added int, feed *selection, categoryIndex, page int) {
	s.observer.ObserveLayer(pipelineFeed, layer, added)
	s.logger.Debug("feed layer applied",
		zap.String("layer", layer),
		zap.Int("added", added),
		zap.Int("selected", len(feed.result())),
		zap.Int("category_index", categoryIndex),
		zap.Int("page", page))
}
