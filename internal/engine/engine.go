// Package engine exposes the poll operations consumed by the HTTP layer: creation with its
// queue, feed pages, interactions and poll maintenance.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/ai"
	"github.com/MarcoPoloResearchLab/pollcast/internal/categories"
	"github.com/MarcoPoloResearchLab/pollcast/internal/distribution"
	"github.com/MarcoPoloResearchLab/pollcast/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"github.com/MarcoPoloResearchLab/pollcast/internal/users"
	"go.uber.org/zap"
)

const (
	opEngineNew        = "engine.new"
	opCreatePoll       = "engine.create_poll"
	opSelectQueue      = "engine.select_queue"
	opSelectFeed       = "engine.select_feed"
	opApplyInteraction = "engine.apply_interaction"
	opGetPoll          = "engine.get_poll"
	opSearchPolls      = "engine.search_polls"
	opUpdatePoll       = "engine.update_poll"
	opDeletePoll       = "engine.delete_poll"
	opListCategories   = "engine.list_categories"

	// EventCursorReset tells a user's feed that its preference list grew.
	EventCursorReset = "cursor-reset"
	// EventPollServed tells a poll owner that the poll reached the Served store.
	EventPollServed = "poll-served"

	searchLimit = distribution.PageSize
)

var (
	// ErrContentFlagged indicates moderation rejected the poll text.
	ErrContentFlagged = errors.New("engine: content flagged by moderation")

	errMissingRepository = errors.New("poll repository is required")
	errMissingUsers      = errors.New("user preference store is required")
	errMissingCategories = errors.New("category lister is required")
)

// Moderator screens poll text.
type Moderator interface {
	Moderate(ctx context.Context, text string) (bool, error)
}

// Categorizer assigns a category and detects the language of poll text.
type Categorizer interface {
	Categorize(ctx context.Context, text string, options []categories.Category) (ai.Categorization, error)
}

// CategoryLister lists the known categories.
type CategoryLister interface {
	ListCategories(ctx context.Context) ([]categories.Category, error)
}

// PreferenceStore reads user preferences and appends categories to them.
type PreferenceStore interface {
	Profile(ctx context.Context, userID string) (users.Profile, error)
	AppendCategory(ctx context.Context, userID, categoryID string) (users.Profile, bool, error)
}

// FeedEvent notifies a user's open feed streams.
type FeedEvent struct {
	UserID    string
	Type      string
	PollID    string
	Timestamp time.Time
}

// EventPublisher delivers feed events.
type EventPublisher interface {
	PublishFeedEvent(event FeedEvent)
}

// Observer collects selection, migration and dependency outcomes.
type Observer interface {
	distribution.Observer
	lifecycle.Observer
}

type noOpPublisher struct{}

func (noOpPublisher) PublishFeedEvent(FeedEvent) {}

// Config wires an Engine. A nil Moderator, Categorizer or Translator disables that AI step.
type Config struct {
	Repository     polls.Repository
	IDProvider     polls.IDProvider
	Users          PreferenceStore
	Categories     CategoryLister
	Moderator      Moderator
	Categorizer    Categorizer
	Translator     distribution.Translator
	Events         EventPublisher
	Observer       Observer
	PrefetchWindow int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Engine is the façade over selection, lifecycle and poll maintenance.
type Engine struct {
	repository  polls.Repository
	idProvider  polls.IDProvider
	users       PreferenceStore
	categories  CategoryLister
	moderator   Moderator
	categorizer Categorizer
	queue       *distribution.QueueSelector
	feed        *distribution.FeedSelector
	mover       *lifecycle.Mover
	events      EventPublisher
	clock       func() time.Time
	logger      *zap.Logger
}

// New validates the configuration and assembles the selectors and the mover.
func New(cfg Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, polls.NewServiceError(opEngineNew, "missing_repository", errMissingRepository)
	}
	if cfg.Users == nil {
		return nil, polls.NewServiceError(opEngineNew, "missing_users", errMissingUsers)
	}
	if cfg.Categories == nil {
		return nil, polls.NewServiceError(opEngineNew, "missing_categories", errMissingCategories)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = polls.NewUUIDProvider()
	}
	events := cfg.Events
	if events == nil {
		events = noOpPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		selectionObserver distribution.Observer
		migrationObserver lifecycle.Observer
	)
	if cfg.Observer != nil {
		selectionObserver = cfg.Observer
		migrationObserver = cfg.Observer
	}

	queue, err := distribution.NewQueueSelector(distribution.QueueConfig{
		Finder:     cfg.Repository,
		Translator: cfg.Translator,
		Observer:   selectionObserver,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	feed, err := distribution.NewFeedSelector(distribution.FeedConfig{
		Finder:         cfg.Repository,
		Observer:       selectionObserver,
		Logger:         logger,
		PrefetchWindow: cfg.PrefetchWindow,
	})
	if err != nil {
		return nil, err
	}
	mover, err := lifecycle.NewMover(lifecycle.MoverConfig{
		Repository: cfg.Repository,
		IDProvider: idProvider,
		Observer:   migrationObserver,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		repository:  cfg.Repository,
		idProvider:  idProvider,
		users:       cfg.Users,
		categories:  cfg.Categories,
		moderator:   cfg.Moderator,
		categorizer: cfg.Categorizer,
		queue:       queue,
		feed:        feed,
		mover:       mover,
		events:      events,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Created is the result of publishing a poll.
type Created struct {
	Poll  polls.Poll   `json:"poll"`
	Queue []polls.Poll `json:"queue"`
}

// CreatePoll validates, moderates and categorizes a draft, stores it as Active and returns
// the queue selected for its creator.
func (e *Engine) CreatePoll(ctx context.Context, creatorID string, input polls.DraftInput) (Created, error) {
	draft, err := polls.ParseDraft(input)
	if err != nil {
		return Created{}, err
	}
	creator, err := e.users.Profile(ctx, creatorID)
	if err != nil {
		return Created{}, err
	}

	text := draft.Question + "\n" + strings.Join(draft.Answers, "\n")
	if e.moderator != nil {
		flagged, err := e.moderator.Moderate(ctx, text)
		switch {
		case errors.Is(err, ai.ErrDependencyDegraded):
			e.logger.Warn("moderation degraded, publishing unscreened",
				zap.String("operation", opCreatePoll), zap.String("user_id", creator.UserID), zap.Error(err))
		case err != nil:
			return Created{}, polls.NewServiceError(opCreatePoll, "moderation_failed", err)
		case flagged:
			return Created{}, polls.NewServiceError(opCreatePoll, "content_flagged", ErrContentFlagged)
		}
	}

	categoryID := draft.CategoryID
	language := draft.Language
	if categoryID == "" && e.categorizer != nil {
		categorization, err := e.categorize(ctx, text)
		if err != nil {
			if !errors.Is(err, ai.ErrDependencyDegraded) {
				return Created{}, err
			}
			e.logger.Warn("categorization degraded, publishing uncategorized",
				zap.String("operation", opCreatePoll), zap.String("user_id", creator.UserID), zap.Error(err))
		} else {
			categoryID = categorization.CategoryID
			if language == "" {
				language = categorization.Language
			}
		}
	}
	if language == "" {
		language = creator.Language
	}

	pollID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opCreatePoll, "id_generation_failed", err)
		return Created{}, polls.NewServiceError(opCreatePoll, "id_generation_failed", err)
	}
	created, err := e.repository.Create(ctx, polls.StoreActive, polls.Poll{
		ID:               pollID,
		Question:         draft.Question,
		Answers:          draft.Answers,
		OwnerID:          creator.UserID,
		OwnerCountry:     creator.Country,
		IsCreatedByAdmin: creator.IsAdmin,
		CategoryID:       categoryID,
		Language:         polls.NormalizeLanguage(language),
		PaidTier:         draft.PaidTier,
		PopularityCount:  polls.DefaultPopularity,
	})
	if err != nil {
		return Created{}, err
	}

	queue, err := e.queue.SelectQueue(ctx, created, preferencesOf(creator))
	if err != nil {
		e.logError(opCreatePoll, "queue_failed", err, zap.String("poll_id", created.ID))
		return Created{}, polls.NewServiceError(opCreatePoll, "queue_failed", err)
	}
	e.logger.Info("poll created",
		zap.String("poll_id", created.ID),
		zap.String("user_id", creator.UserID),
		zap.String("category_id", created.CategoryID),
		zap.Int("queue", len(queue)))
	return Created{Poll: created, Queue: queue}, nil
}

func (e *Engine) categorize(ctx context.Context, text string) (ai.Categorization, error) {
	options, err := e.categories.ListCategories(ctx)
	if err != nil {
		e.logError(opCreatePoll, "categories_failed", err)
		return ai.Categorization{}, polls.NewServiceError(opCreatePoll, "categories_failed", err)
	}
	return e.categorizer.Categorize(ctx, text, options)
}

// SelectQueueForNewPoll returns the queue for a poll that already exists in a store.
func (e *Engine) SelectQueueForNewPoll(ctx context.Context, pollID, userID string) ([]polls.Poll, error) {
	poll, err := e.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	profile, err := e.users.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	queue, err := e.queue.SelectQueue(ctx, poll, preferencesOf(profile))
	if err != nil {
		e.logError(opSelectQueue, "selection_failed", err, zap.String("poll_id", poll.ID))
		return nil, err
	}
	return queue, nil
}

// SelectFeedPage returns the feed page at the caller's cursor.
func (e *Engine) SelectFeedPage(ctx context.Context, userID string, categoryIndex, page int) (distribution.FeedPage, error) {
	cursor, err := distribution.NewCursor(categoryIndex, page)
	if err != nil {
		return distribution.FeedPage{}, err
	}
	profile, err := e.users.Profile(ctx, userID)
	if err != nil {
		return distribution.FeedPage{}, err
	}
	result, err := e.feed.SelectFeed(ctx, cursor, preferencesOf(profile))
	if err != nil {
		e.logError(opSelectFeed, "selection_failed", err, zap.String("user_id", userID))
		return distribution.FeedPage{}, err
	}
	return result, nil
}

// InteractionPayload carries the action-specific data of an interaction.
type InteractionPayload struct {
	Responses   []polls.ResponseInput
	CommentText string
}

// ApplyInteraction records the action, appends the poll's category to the user's
// preferences when it was missing and notifies open feed streams.
func (e *Engine) ApplyInteraction(ctx context.Context, pollID, actionType string, payload InteractionPayload, userID string) (lifecycle.Outcome, error) {
	if _, err := lifecycle.ParseAction(actionType); err != nil {
		return lifecycle.Outcome{}, err
	}
	profile, err := e.users.Profile(ctx, userID)
	if err != nil {
		return lifecycle.Outcome{}, err
	}
	outcome, err := e.mover.ApplyInteraction(ctx, lifecycle.Interaction{
		PollID:         pollID,
		ActionType:     actionType,
		UserID:         profile.UserID,
		UserCategories: profile.Categories,
		Responses:      payload.Responses,
		CommentText:    payload.CommentText,
	})
	if err != nil {
		return lifecycle.Outcome{}, err
	}

	if outcome.ResetCategoryIndex {
		if _, _, err := e.users.AppendCategory(ctx, profile.UserID, outcome.Poll.CategoryID); err != nil {
			e.logError(opApplyInteraction, "append_category_failed", err,
				zap.String("user_id", profile.UserID), zap.String("category_id", outcome.Poll.CategoryID))
		} else {
			e.publish(profile.UserID, EventCursorReset, outcome.Poll.ID)
		}
	}
	if outcome.Migrated {
		e.publish(outcome.Poll.OwnerID, EventPollServed, outcome.Poll.ID)
	}
	return outcome, nil
}

// GetPoll returns the poll from whichever store holds it.
func (e *Engine) GetPoll(ctx context.Context, pollID string) (polls.Poll, error) {
	id, err := polls.NewPollID(pollID)
	if err != nil {
		return polls.Poll{}, polls.Invalid("pollId", "required")
	}
	_, poll, err := e.repository.Locate(ctx, id)
	if err != nil {
		if !errors.Is(err, polls.ErrPollNotFound) {
			e.logError(opGetPoll, "locate_failed", err, zap.String("poll_id", pollID))
		}
		return polls.Poll{}, err
	}
	return poll, nil
}

// SearchPolls returns up to ten polls whose question contains the text, Active first.
func (e *Engine) SearchPolls(ctx context.Context, text string) ([]polls.Poll, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, polls.Invalid("q", "required")
	}
	found := make([]polls.Poll, 0, searchLimit)
	for _, store := range polls.Stores {
		remaining := searchLimit - len(found)
		if remaining <= 0 {
			break
		}
		matches, err := e.repository.Find(ctx, store, polls.Query{
			Filter: polls.Filter{QuestionContains: text},
			Order:  polls.OrderPopularity,
			Limit:  remaining,
		})
		if err != nil {
			e.logError(opSearchPolls, "query_failed", err, zap.String("store", store.String()))
			return nil, err
		}
		found = append(found, matches...)
	}
	return found, nil
}

// PollChanges is a partial poll edit. Nil fields stay untouched.
type PollChanges struct {
	Question   *string
	Answers    []string
	CategoryID *string
	Language   *string
	PaidTier   *string
}

// UpdatePoll edits the poll in whichever store holds it and runs the migration check.
func (e *Engine) UpdatePoll(ctx context.Context, pollID string, changes PollChanges) (polls.Poll, error) {
	update, err := parseChanges(changes)
	if err != nil {
		return polls.Poll{}, err
	}
	id, err := polls.NewPollID(pollID)
	if err != nil {
		return polls.Poll{}, polls.Invalid("pollId", "required")
	}
	store, updated, err := e.repository.UpdateAnywhere(ctx, id, update)
	if err != nil {
		if !errors.Is(err, polls.ErrPollNotFound) {
			e.logError(opUpdatePoll, "update_failed", err, zap.String("poll_id", pollID))
		}
		return polls.Poll{}, err
	}
	if store == polls.StoreActive {
		moved, migrated := e.mover.CheckMigration(ctx, updated)
		if migrated {
			e.publish(moved.OwnerID, EventPollServed, moved.ID)
		}
		return moved, nil
	}
	return updated, nil
}

func parseChanges(changes PollChanges) (polls.Update, error) {
	validation := &polls.ValidationError{}
	update := polls.Update{
		CategoryID: trimmed(changes.CategoryID),
		PaidTier:   trimmed(changes.PaidTier),
	}
	if changes.Question != nil {
		question := strings.TrimSpace(*changes.Question)
		if question == "" {
			validation.Add("question", "must not be empty")
		}
		update.Question = &question
	}
	if changes.Answers != nil {
		answers := make([]string, 0, len(changes.Answers))
		for _, answer := range changes.Answers {
			answer = strings.TrimSpace(answer)
			if answer == "" {
				validation.Add("answers", "must not contain empty entries")
				break
			}
			answers = append(answers, answer)
		}
		if len(changes.Answers) == 0 {
			validation.Add("answers", "must not be empty")
		}
		update.Answers = answers
	}
	if changes.Language != nil {
		language := polls.NormalizeLanguage(*changes.Language)
		update.Language = &language
	}
	if err := validation.Err(); err != nil {
		return polls.Update{}, err
	}
	if update.IsEmpty() {
		return polls.Update{}, polls.Invalid("body", "no changes")
	}
	return update, nil
}

// DeletePoll removes the poll and its responses and comments from whichever store holds it.
func (e *Engine) DeletePoll(ctx context.Context, pollID string) error {
	id, err := polls.NewPollID(pollID)
	if err != nil {
		return polls.Invalid("pollId", "required")
	}
	// Stores are tried in migration order so a poll moved mid-request is still found.
	for _, store := range polls.Stores {
		err := e.repository.Delete(ctx, store, id)
		if errors.Is(err, polls.ErrPollNotFound) {
			continue
		}
		return err
	}
	return polls.ErrPollNotFound
}

// ListCategories returns the known categories.
func (e *Engine) ListCategories(ctx context.Context) ([]categories.Category, error) {
	listed, err := e.categories.ListCategories(ctx)
	if err != nil {
		e.logError(opListCategories, "query_failed", err)
		return nil, err
	}
	return listed, nil
}

func (e *Engine) publish(userID, eventType, pollID string) {
	if strings.TrimSpace(userID) == "" {
		return
	}
	e.events.PublishFeedEvent(FeedEvent{
		UserID:    userID,
		Type:      eventType,
		PollID:    pollID,
		Timestamp: e.clock().UTC(),
	})
}

func preferencesOf(profile users.Profile) distribution.Preferences {
	return distribution.Preferences{
		UserID:     profile.UserID,
		Categories: profile.Categories,
		Language:   profile.Language,
		Country:    profile.Country,
		Continent:  profile.Continent,
	}
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	result := strings.TrimSpace(*value)
	return &result
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("engine error", attrs...)
}
