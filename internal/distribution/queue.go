package distribution

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opQueueNew = "distribution.queue.new"

	layerSameCategoryLanguage  = "same_category_language"
	layerPreferredCategories   = "preferred_categories"
	layerSameLanguage          = "same_language"
	layerCategoryTranslated    = "category_translated"
	layerRandomTranslated      = "random_translated"
	defaultTranslationParallel = 4

	dependencyTranslation = "translation"
)

var errMissingFinder = errors.New("poll finder is required")

// QueueConfig wires a QueueSelector.
type QueueConfig struct {
	Finder     Finder
	Translator Translator
	Observer   Observer
	Logger     *zap.Logger
	// TranslationParallelism caps concurrent translation calls within one layer.
	TranslationParallelism int
}

// QueueSelector builds the queue handed to a poll creator right after publishing.
type QueueSelector struct {
	finder      Finder
	translator  Translator
	observer    Observer
	logger      *zap.Logger
	parallelism int
}

// NewQueueSelector validates the configuration and constructs a QueueSelector.
func NewQueueSelector(cfg QueueConfig) (*QueueSelector, error) {
	if cfg.Finder == nil {
		return nil, polls.NewServiceError(opQueueNew, "missing_finder", errMissingFinder)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	parallelism := cfg.TranslationParallelism
	if parallelism <= 0 {
		parallelism = defaultTranslationParallel
	}
	return &QueueSelector{
		finder:      cfg.Finder,
		translator:  cfg.Translator,
		observer:    observer,
		logger:      logger,
		parallelism: parallelism,
	}, nil
}

// SelectQueue returns at most ten distinct non-admin Active polls for the creator of poll,
// tried layer by layer from most to least specific. The poll itself is never selected.
func (s *QueueSelector) SelectQueue(ctx context.Context, poll polls.Poll, preferences Preferences) ([]polls.Poll, error) {
	queue := newSelection(PageSize, poll.ID)
	pollLanguage := polls.NormalizeLanguage(poll.Language)
	userLanguage := polls.NormalizeLanguage(preferences.Language)
	category := strings.TrimSpace(poll.CategoryID)

	find := func(layer string, filter polls.Filter) ([]polls.Poll, error) {
		filter.Admin = polls.AdminExcluded
		filter.ExcludeIDs = queue.excluded()
		found, err := s.finder.Find(ctx, polls.StoreActive, polls.Query{Filter: filter, Limit: queue.remaining()})
		if err != nil {
			return nil, layerError(pipelineQueue, layer, err)
		}
		return found, nil
	}

	if category != "" && pollLanguage != "" {
		found, err := find(layerSameCategoryLanguage, polls.Filter{CategoryID: category, Language: pollLanguage})
		if err != nil {
			return nil, err
		}
		s.record(layerSameCategoryLanguage, queue.add(found), queue)
	}

	if !queue.full() && userLanguage != "" {
		added := 0
		for _, preferred := range preferences.Categories {
			if queue.full() {
				break
			}
			preferred = strings.TrimSpace(preferred)
			if preferred == "" {
				continue
			}
			found, err := find(layerPreferredCategories, polls.Filter{CategoryID: preferred, Language: userLanguage})
			if err != nil {
				return nil, err
			}
			added += queue.add(found)
		}
		s.record(layerPreferredCategories, added, queue)
	}

	if !queue.full() && pollLanguage != "" {
		found, err := find(layerSameLanguage, polls.Filter{Language: pollLanguage})
		if err != nil {
			return nil, err
		}
		s.record(layerSameLanguage, queue.add(found), queue)
	}

	if !queue.full() && category != "" {
		found, err := find(layerCategoryTranslated, polls.Filter{CategoryID: category, ExcludeLanguage: pollLanguage})
		if err != nil {
			return nil, err
		}
		s.record(layerCategoryTranslated, queue.add(s.translateAll(ctx, found, userLanguage)), queue)
	}

	if !queue.full() && category != "" {
		found, err := find(layerRandomTranslated, polls.Filter{})
		if err != nil {
			return nil, err
		}
		s.record(layerRandomTranslated, queue.add(s.translateAll(ctx, found, userLanguage)), queue)
	}

	return queue.result(), nil
}

// translateAll translates candidates whose language differs from target. A failed
// translation keeps the original poll in place.
func (s *QueueSelector) translateAll(ctx context.Context, candidates []polls.Poll, target string) []polls.Poll {
	if s.translator == nil || target == "" || len(candidates) == 0 {
		return candidates
	}

	translated := make([]polls.Poll, len(candidates))
	copy(translated, candidates)

	var group errgroup.Group
	group.SetLimit(s.parallelism)
	for index := range translated {
		if polls.NormalizeLanguage(translated[index].Language) == target {
			continue
		}
		group.Go(func() error {
			original := translated[index]
			result, err := s.translator.TranslatePoll(ctx, original, target)
			if err != nil {
				s.observer.ObserveDependency(dependencyTranslation, true)
				s.logger.Warn("translation degraded, keeping original poll",
					zap.String("poll_id", original.ID),
					zap.String("target_language", target),
					zap.Error(err))
				return nil
			}
			s.observer.ObserveDependency(dependencyTranslation, false)
			translated[index] = result
			return nil
		})
	}
	_ = group.Wait()
	return translated
}

func (s *QueueSelector) record(layer string, added int, queue *selection) {
	s.observer.ObserveLayer(pipelineQueue, layer, added)
	s.logger.Debug("queue layer applied",
		zap.String("layer", layer),
		zap.Int("added", added),
		zap.Int("selected", len(queue.result())))
}
