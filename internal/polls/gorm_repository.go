package polls

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRepositoryNew    = "polls.repository.new"
	opRepositoryFind   = "polls.find"
	opRepositoryCount  = "polls.count"
	opRepositoryGet    = "polls.get"
	opRepositoryLocate = "polls.locate"
	opRepositoryCreate = "polls.create"
	opRepositoryUpdate = "polls.update_fields"
	opRepositoryDelete = "polls.delete"
	opRepositoryMove   = "polls.move"

	opRepositoryUpdateAnywhere = "polls.update_anywhere"

	naturalOrder    = "created_at_s ASC, poll_id ASC"
	popularityOrder = "popularity_count DESC, created_at_s ASC, poll_id ASC"

	postgresUniqueViolation = "23505"
)

var (
	noOpLogger = zap.NewNop()

	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
)

// RepositoryConfig wires the GORM-backed repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormRepository persists both stores in sibling tables of one database.
type GormRepository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormRepository validates the configuration and constructs a repository.
func NewGormRepository(cfg RepositoryConfig) (*GormRepository, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormRepository{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (r *GormRepository) Find(ctx context.Context, store Store, query Query) ([]Poll, error) {
	if err := store.Validate(); err != nil {
		return nil, NewServiceError(opRepositoryFind, "invalid_store", err)
	}
	if query.Limit <= 0 {
		return nil, nil
	}

	statement := applyFilter(r.db.WithContext(ctx).Table(store.TableName()), query.Filter)
	switch query.Order {
	case OrderPopularity:
		statement = statement.Order(popularityOrder)
	default:
		statement = statement.Order(naturalOrder)
	}
	if query.Skip > 0 {
		statement = statement.Offset(query.Skip)
	}

	var found []Poll
	if err := statement.Limit(query.Limit).Find(&found).Error; err != nil {
		r.logError(opRepositoryFind, "query_failed", err, zap.String("store", store.String()))
		return nil, NewServiceError(opRepositoryFind, "query_failed", err)
	}
	if err := r.hydrate(r.db.WithContext(ctx), found); err != nil {
		r.logError(opRepositoryFind, "hydrate_failed", err, zap.String("store", store.String()))
		return nil, NewServiceError(opRepositoryFind, "hydrate_failed", err)
	}
	return found, nil
}

func (r *GormRepository) Count(ctx context.Context, store Store, filter Filter) (int64, error) {
	if err := store.Validate(); err != nil {
		return 0, NewServiceError(opRepositoryCount, "invalid_store", err)
	}
	var total int64
	if err := applyFilter(r.db.WithContext(ctx).Table(store.TableName()), filter).Count(&total).Error; err != nil {
		r.logError(opRepositoryCount, "query_failed", err, zap.String("store", store.String()))
		return 0, NewServiceError(opRepositoryCount, "query_failed", err)
	}
	return total, nil
}

func (r *GormRepository) Get(ctx context.Context, store Store, id PollID) (Poll, error) {
	if err := store.Validate(); err != nil {
		return Poll{}, NewServiceError(opRepositoryGet, "invalid_store", err)
	}
	poll, err := r.take(r.db.WithContext(ctx), store, id)
	if errors.Is(err, ErrPollNotFound) {
		return Poll{}, err
	}
	if err != nil {
		r.logError(opRepositoryGet, "query_failed", err, zap.String("store", store.String()), zap.String("poll_id", id.String()))
		return Poll{}, NewServiceError(opRepositoryGet, "query_failed", err)
	}
	return poll, nil
}

func (r *GormRepository) Locate(ctx context.Context, id PollID) (Store, Poll, error) {
	for _, store := range Stores {
		poll, err := r.Get(ctx, store, id)
		if errors.Is(err, ErrPollNotFound) {
			continue
		}
		if err != nil {
			return "", Poll{}, NewServiceError(opRepositoryLocate, "lookup_failed", err)
		}
		return store, poll, nil
	}
	return "", Poll{}, ErrPollNotFound
}

func (r *GormRepository) Create(ctx context.Context, store Store, poll Poll) (Poll, error) {
	if err := store.Validate(); err != nil {
		return Poll{}, NewServiceError(opRepositoryCreate, "invalid_store", err)
	}
	if _, err := NewPollID(poll.ID); err != nil {
		return Poll{}, NewServiceError(opRepositoryCreate, "invalid_poll_id", err)
	}

	now := r.clock().UTC().Unix()
	if poll.CreatedAtSeconds == 0 {
		poll.CreatedAtSeconds = now
	}
	if poll.UpdatedAtSeconds == 0 {
		poll.UpdatedAtSeconds = poll.CreatedAtSeconds
	}
	if poll.Answers == nil {
		poll.Answers = []string{}
	}
	responses := poll.Responses

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(store.TableName()).Create(&poll).Error; err != nil {
			return err
		}
		return insertResponses(tx, poll.ID, responses, now)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Poll{}, NewServiceError(opRepositoryCreate, "duplicate_poll_id", err)
		}
		r.logError(opRepositoryCreate, "insert_failed", err, zap.String("store", store.String()), zap.String("poll_id", poll.ID))
		return Poll{}, NewServiceError(opRepositoryCreate, "insert_failed", err)
	}
	return r.Get(ctx, store, PollID(poll.ID))
}

func (r *GormRepository) UpdateFields(ctx context.Context, store Store, id PollID, update Update) (Poll, error) {
	if err := store.Validate(); err != nil {
		return Poll{}, NewServiceError(opRepositoryUpdate, "invalid_store", err)
	}
	now := r.clock().UTC().Unix()
	assignments, err := updateAssignments(update, now)
	if err != nil {
		return Poll{}, NewServiceError(opRepositoryUpdate, "encode_answers_failed", err)
	}

	var updated Poll
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		poll, err := r.applyUpdate(tx, store, id, assignments, update, now)
		updated = poll
		return err
	})
	if errors.Is(err, ErrPollNotFound) {
		return Poll{}, err
	}
	if err != nil {
		r.logError(opRepositoryUpdate, "update_failed", err, zap.String("store", store.String()), zap.String("poll_id", id.String()))
		return Poll{}, NewServiceError(opRepositoryUpdate, "update_failed", err)
	}
	return updated, nil
}

// UpdateAnywhere applies update to whichever store holds the poll, trying the stores in
// lookup order inside one transaction. A poll moved to Served by a concurrent migration is
// updated there instead of being reported missing.
func (r *GormRepository) UpdateAnywhere(ctx context.Context, id PollID, update Update) (Store, Poll, error) {
	now := r.clock().UTC().Unix()
	assignments, err := updateAssignments(update, now)
	if err != nil {
		return "", Poll{}, NewServiceError(opRepositoryUpdateAnywhere, "encode_answers_failed", err)
	}

	var (
		holder  Store
		updated Poll
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, store := range Stores {
			poll, err := r.applyUpdate(tx, store, id, assignments, update, now)
			if errors.Is(err, ErrPollNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			holder, updated = store, poll
			return nil
		}
		return ErrPollNotFound
	})
	if errors.Is(err, ErrPollNotFound) {
		return "", Poll{}, err
	}
	if err != nil {
		r.logError(opRepositoryUpdateAnywhere, "update_failed", err, zap.String("poll_id", id.String()))
		return "", Poll{}, NewServiceError(opRepositoryUpdateAnywhere, "update_failed", err)
	}
	return holder, updated, nil
}

// applyUpdate writes the row assignments and appends children only when the row exists in store.
func (r *GormRepository) applyUpdate(tx *gorm.DB, store Store, id PollID, assignments map[string]any, update Update, now int64) (Poll, error) {
	result := tx.Table(store.TableName()).Where("poll_id = ?", id.String()).Updates(assignments)
	if result.Error != nil {
		return Poll{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Poll{}, ErrPollNotFound
	}
	if err := insertResponses(tx, id.String(), update.AppendResponses, now); err != nil {
		return Poll{}, err
	}
	if err := insertComments(tx, id.String(), update.AppendComments, now); err != nil {
		return Poll{}, err
	}
	return r.take(tx, store, id)
}

func updateAssignments(update Update, now int64) (map[string]any, error) {
	assignments := map[string]any{"updated_at_s": now}
	if update.PopularityDelta != 0 {
		assignments["popularity_count"] = gorm.Expr("popularity_count + ?", update.PopularityDelta)
	}
	if update.LikesDelta != 0 {
		assignments["likes"] = gorm.Expr("likes + ?", update.LikesDelta)
	}
	if update.Question != nil {
		assignments["question"] = *update.Question
	}
	if update.Answers != nil {
		encoded, err := json.Marshal(update.Answers)
		if err != nil {
			return nil, err
		}
		assignments["answers"] = string(encoded)
	}
	if update.CategoryID != nil {
		assignments["category_id"] = *update.CategoryID
	}
	if update.Language != nil {
		assignments["language"] = NormalizeLanguage(*update.Language)
	}
	if update.PaidTier != nil {
		assignments["paid_tier"] = *update.PaidTier
	}
	return assignments, nil
}

func (r *GormRepository) Delete(ctx context.Context, store Store, id PollID) error {
	if err := store.Validate(); err != nil {
		return NewServiceError(opRepositoryDelete, "invalid_store", err)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Table(store.TableName()).Where("poll_id = ?", id.String()).Delete(&Poll{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrPollNotFound
		}
		if err := tx.Where("poll_id = ?", id.String()).Delete(&Response{}).Error; err != nil {
			return err
		}
		return tx.Where("poll_id = ?", id.String()).Delete(&Comment{}).Error
	})
	if errors.Is(err, ErrPollNotFound) {
		return err
	}
	if err != nil {
		r.logError(opRepositoryDelete, "delete_failed", err, zap.String("store", store.String()), zap.String("poll_id", id.String()))
		return NewServiceError(opRepositoryDelete, "delete_failed", err)
	}
	return nil
}

func (r *GormRepository) Move(ctx context.Context, id PollID, from, to Store) (Poll, error) {
	if err := from.Validate(); err != nil {
		return Poll{}, NewServiceError(opRepositoryMove, "invalid_store", err)
	}
	if err := to.Validate(); err != nil {
		return Poll{}, NewServiceError(opRepositoryMove, "invalid_store", err)
	}
	if from == to {
		return r.Get(ctx, from, id)
	}

	now := r.clock().UTC().Unix()
	var moved Poll
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll Poll
		err := tx.Table(from.TableName()).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("poll_id = ?", id.String()).
			Take(&poll).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}

		if to == StoreServed && poll.ServedAtSeconds == 0 {
			poll.ServedAtSeconds = now
		}
		insert := tx.Table(to.TableName()).Clauses(clause.OnConflict{DoNothing: true}).Create(&poll)
		if insert.Error != nil && !isUniqueViolation(insert.Error) {
			return insert.Error
		}
		if err := tx.Table(from.TableName()).Where("poll_id = ?", id.String()).Delete(&Poll{}).Error; err != nil {
			return err
		}

		stored, err := r.take(tx, to, id)
		if err != nil {
			return err
		}
		moved = stored
		return nil
	})
	if errors.Is(err, ErrPollNotFound) {
		return Poll{}, err
	}
	if err != nil {
		r.logError(opRepositoryMove, "move_failed", err,
			zap.String("poll_id", id.String()),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return Poll{}, NewServiceError(opRepositoryMove, "move_failed", err)
	}
	return moved, nil
}

func (r *GormRepository) take(db *gorm.DB, store Store, id PollID) (Poll, error) {
	var poll Poll
	err := db.Table(store.TableName()).Where("poll_id = ?", id.String()).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Poll{}, ErrPollNotFound
	}
	if err != nil {
		return Poll{}, err
	}
	found := []Poll{poll}
	if err := r.hydrate(db, found); err != nil {
		return Poll{}, err
	}
	return found[0], nil
}

// hydrate attaches responses and comment ids to the polls in place.
func (r *GormRepository) hydrate(db *gorm.DB, found []Poll) error {
	if len(found) == 0 {
		return nil
	}
	ids := make([]string, 0, len(found))
	for _, poll := range found {
		ids = append(ids, poll.ID)
	}

	var responses []Response
	if err := db.Where("poll_id IN ?", ids).Order("response_id ASC").Find(&responses).Error; err != nil {
		return err
	}
	var comments []Comment
	if err := db.Where("poll_id IN ?", ids).Order("created_at_s ASC, comment_id ASC").Find(&comments).Error; err != nil {
		return err
	}

	responsesByPoll := make(map[string][]Response, len(found))
	for _, response := range responses {
		responsesByPoll[response.PollID] = append(responsesByPoll[response.PollID], response)
	}
	commentsByPoll := make(map[string][]string, len(found))
	for _, comment := range comments {
		commentsByPoll[comment.PollID] = append(commentsByPoll[comment.PollID], comment.CommentID)
	}
	for index := range found {
		found[index].Responses = responsesByPoll[found[index].ID]
		if found[index].Responses == nil {
			found[index].Responses = []Response{}
		}
		found[index].CommentIDs = commentsByPoll[found[index].ID]
		if found[index].CommentIDs == nil {
			found[index].CommentIDs = []string{}
		}
	}
	return nil
}

func applyFilter(db *gorm.DB, filter Filter) *gorm.DB {
	if category := strings.TrimSpace(filter.CategoryID); category != "" {
		db = db.Where("category_id = ?", category)
	}
	if language := NormalizeLanguage(filter.Language); language != "" {
		db = db.Where("language = ?", language)
	}
	if excluded := NormalizeLanguage(filter.ExcludeLanguage); excluded != "" {
		db = db.Where("language <> ?", excluded)
	}
	if len(filter.ExcludeIDs) > 0 {
		db = db.Where("poll_id NOT IN ?", filter.ExcludeIDs)
	}
	switch filter.Admin {
	case AdminExcluded:
		db = db.Where("is_created_by_admin = ?", false)
	case AdminOnly:
		db = db.Where("is_created_by_admin = ?", true)
	}
	if needle := strings.ToLower(strings.TrimSpace(filter.QuestionContains)); needle != "" {
		db = db.Where(`LOWER(question) LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(needle)+"%")
	}
	return db
}

func insertResponses(tx *gorm.DB, pollID string, responses []Response, now int64) error {
	if len(responses) == 0 {
		return nil
	}
	rows := make([]Response, 0, len(responses))
	for _, response := range responses {
		response.ResponseID = 0
		response.PollID = pollID
		if response.CreatedAtSeconds == 0 {
			response.CreatedAtSeconds = now
		}
		rows = append(rows, response)
	}
	return tx.Create(&rows).Error
}

func insertComments(tx *gorm.DB, pollID string, comments []Comment, now int64) error {
	if len(comments) == 0 {
		return nil
	}
	rows := make([]Comment, 0, len(comments))
	for _, comment := range comments {
		comment.PollID = pollID
		if comment.CreatedAtSeconds == 0 {
			comment.CreatedAtSeconds = now
		}
		rows = append(rows, comment)
	}
	return tx.Create(&rows).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *GormRepository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := r.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("poll repository error", attrs...)
}
