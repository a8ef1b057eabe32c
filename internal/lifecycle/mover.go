package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"go.uber.org/zap"
)

const (
	opMoverNew         = "lifecycle.mover.new"
	opApplyInteraction = "lifecycle.apply_interaction"
	opCheckMigration   = "lifecycle.check_migration"
)

var (
	// ErrMigrationFailed marks a failed Active to Served move. It is logged, never returned.
	ErrMigrationFailed = errors.New("lifecycle: migration failed")

	errMissingRepository = errors.New("poll repository is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Repository is the subset of the poll repository the mover drives.
type Repository interface {
	Locate(ctx context.Context, id polls.PollID) (polls.Store, polls.Poll, error)
	UpdateAnywhere(ctx context.Context, id polls.PollID, update polls.Update) (polls.Store, polls.Poll, error)
	Move(ctx context.Context, id polls.PollID, from, to polls.Store) (polls.Poll, error)
}

// Observer receives migration outcomes.
type Observer interface {
	ObserveMigration(succeeded bool)
}

type noOpObserver struct{}

func (noOpObserver) ObserveMigration(bool) {}

// MoverConfig wires a Mover.
type MoverConfig struct {
	Repository Repository
	IDProvider polls.IDProvider
	Observer   Observer
	Logger     *zap.Logger
}

// Mover applies interactions and runs the migration check.
type Mover struct {
	repository Repository
	idProvider polls.IDProvider
	observer   Observer
	logger     *zap.Logger
}

// NewMover validates the configuration and constructs a Mover.
func NewMover(cfg MoverConfig) (*Mover, error) {
	if cfg.Repository == nil {
		return nil, polls.NewServiceError(opMoverNew, "missing_repository", errMissingRepository)
	}
	if cfg.IDProvider == nil {
		return nil, polls.NewServiceError(opMoverNew, "missing_id_provider", errMissingIDProvider)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Mover{
		repository: cfg.Repository,
		idProvider: cfg.IDProvider,
		observer:   observer,
		logger:     logger,
	}, nil
}

// Interaction is one user action on a poll.
type Interaction struct {
	PollID     string
	ActionType string
	UserID     string
	// UserCategories is the acting user's current preference list.
	UserCategories []string
	Responses      []polls.ResponseInput
	CommentText    string
}

// Outcome reports the poll after the interaction and the signals raised by it.
type Outcome struct {
	Poll               polls.Poll  `json:"poll"`
	Store              polls.Store `json:"store"`
	ResetCategoryIndex bool        `json:"resetCategoryIndex"`
	Migrated           bool        `json:"migrated"`
}

// ApplyInteraction updates popularity and engagement atomically, then runs the migration
// check. Input is validated before the repository is touched; response entries are checked
// against the poll's answers before anything is written.
func (m *Mover) ApplyInteraction(ctx context.Context, interaction Interaction) (Outcome, error) {
	validation := &polls.ValidationError{}
	pollID, err := polls.NewPollID(interaction.PollID)
	if err != nil {
		validation.Add("pollId", "required")
	}
	action, err := ParseAction(interaction.ActionType)
	if err != nil {
		validation.Fields = append(validation.Fields, polls.FieldErrors(err)...)
	}
	commentText := strings.TrimSpace(interaction.CommentText)
	if action == ActionCommented && commentText == "" {
		validation.Add("comment", "required")
	}
	if action == ActionVoted && len(interaction.Responses) == 0 {
		validation.Add("responses", "required")
	}
	if err := validation.Err(); err != nil {
		return Outcome{}, err
	}

	_, poll, err := m.repository.Locate(ctx, pollID)
	if err != nil {
		if !errors.Is(err, polls.ErrPollNotFound) {
			m.logError(opApplyInteraction, "locate_failed", err, zap.String("poll_id", pollID.String()))
		}
		return Outcome{}, err
	}

	update := polls.Update{PopularityDelta: action.Weight()}
	switch action {
	case ActionVoted:
		responses, err := polls.ParseResponses(poll, interaction.UserID, interaction.Responses)
		if err != nil {
			return Outcome{}, err
		}
		update.AppendResponses = responses
	case ActionCommented:
		commentID, err := m.idProvider.NewID()
		if err != nil {
			m.logError(opApplyInteraction, "id_generation_failed", err, zap.String("poll_id", pollID.String()))
			return Outcome{}, polls.NewServiceError(opApplyInteraction, "id_generation_failed", err)
		}
		update.AppendComments = []polls.Comment{{
			CommentID: commentID,
			AuthorID:  strings.TrimSpace(interaction.UserID),
			Text:      commentText,
		}}
	case ActionLiked:
		update.LikesDelta = 1
	}

	// The poll may have migrated since it was located; the write follows it to its store.
	store, updated, err := m.repository.UpdateAnywhere(ctx, pollID, update)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		Poll:               updated,
		Store:              store,
		ResetCategoryIndex: updated.HasCategory() && !slices.Contains(interaction.UserCategories, updated.CategoryID),
	}
	if store == polls.StoreActive {
		outcome.Poll, outcome.Migrated = m.CheckMigration(ctx, updated)
		if outcome.Migrated {
			outcome.Store = polls.StoreServed
		}
	}
	m.logger.Debug("interaction applied",
		zap.String("poll_id", pollID.String()),
		zap.String("action", action.String()),
		zap.Int64("popularity", outcome.Poll.PopularityCount),
		zap.Bool("reset_category_index", outcome.ResetCategoryIndex),
		zap.Bool("migrated", outcome.Migrated))
	return outcome, nil
}

// CheckMigration moves an Active poll that reached its response threshold to the Served
// store. Failures leave the poll Active so the next qualifying update retries the move; a
// poll that is no longer Active is left alone.
func (m *Mover) CheckMigration(ctx context.Context, poll polls.Poll) (polls.Poll, bool) {
	if !ShouldMigrate(poll) {
		return poll, false
	}
	moved, err := m.repository.Move(ctx, polls.PollID(poll.ID), polls.StoreActive, polls.StoreServed)
	if errors.Is(err, polls.ErrPollNotFound) {
		m.logger.Debug("migration skipped, poll is no longer active", zap.String("poll_id", poll.ID))
		return poll, false
	}
	if err != nil {
		m.observer.ObserveMigration(false)
		m.logError(opCheckMigration, "move_failed", fmt.Errorf("%w: %w", ErrMigrationFailed, err),
			zap.String("poll_id", poll.ID),
			zap.Int("responses", len(poll.Responses)),
			zap.Int("threshold", ResponseThreshold(poll)))
		return poll, false
	}
	m.observer.ObserveMigration(true)
	m.logger.Info("poll migrated to served store",
		zap.String("poll_id", poll.ID),
		zap.Int("responses", len(moved.Responses)))
	return moved, true
}

func (m *Mover) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("lifecycle error", attrs...)
}
