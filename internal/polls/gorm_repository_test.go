package polls

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRepository(t *testing.T) *GormRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polls.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo, err := NewGormRepository(RepositoryConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func seedPoll(t *testing.T, repo *GormRepository, store Store, poll Poll) Poll {
	t.Helper()
	if poll.Question == "" {
		poll.Question = "Question " + poll.ID
	}
	if poll.Answers == nil {
		poll.Answers = []string{"yes", "no"}
	}
	if poll.OwnerID == "" {
		poll.OwnerID = "owner-1"
	}
	if poll.Language == "" {
		poll.Language = "english"
	}
	if poll.PopularityCount == 0 {
		poll.PopularityCount = DefaultPopularity
	}
	created, err := repo.Create(context.Background(), store, poll)
	if err != nil {
		t.Fatalf("create %s: %v", poll.ID, err)
	}
	return created
}

func pollIDs(found []Poll) []string {
	ids := make([]string, 0, len(found))
	for _, poll := range found {
		ids = append(ids, poll.ID)
	}
	return ids
}

func TestNewGormRepositoryRequiresDatabase(t *testing.T) {
	_, err := NewGormRepository(RepositoryConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "polls.repository.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestFindFiltersAndKeepsCreationOrder(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		seedPoll(t, repo, StoreActive, Poll{
			ID:               fmt.Sprintf("poll-%d", index),
			CategoryID:       "sports",
			CreatedAtSeconds: int64(1000 + index),
		})
	}
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-other", CategoryID: "music", CreatedAtSeconds: 999})
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-admin", CategoryID: "sports", IsCreatedByAdmin: true, CreatedAtSeconds: 998})

	found, err := repo.Find(ctx, StoreActive, Query{
		Filter: Filter{CategoryID: "sports", ExcludeIDs: []string{"poll-1"}, Admin: AdminExcluded},
		Skip:   1,
		Limit:  2,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	ids := pollIDs(found)
	if len(ids) != 2 || ids[0] != "poll-2" || ids[1] != "poll-3" {
		t.Fatalf("unexpected ids %v", ids)
	}

	total, err := repo.Count(ctx, StoreActive, Filter{Admin: AdminOnly})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one admin poll, got %d", total)
	}
}

func TestFindNonPositiveLimitReturnsNothing(t *testing.T) {
	repo := newTestRepository(t)
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-1"})
	found, err := repo.Find(context.Background(), StoreActive, Query{Limit: 0})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no polls, got %d", len(found))
	}
}

func TestFindByPopularityBreaksTiesByCreation(t *testing.T) {
	repo := newTestRepository(t)
	seedPoll(t, repo, StoreServed, Poll{ID: "a", PopularityCount: 5, CreatedAtSeconds: 10})
	seedPoll(t, repo, StoreServed, Poll{ID: "b", PopularityCount: 9, CreatedAtSeconds: 11})
	seedPoll(t, repo, StoreServed, Poll{ID: "c", PopularityCount: 5, CreatedAtSeconds: 9})

	found, err := repo.Find(context.Background(), StoreServed, Query{Order: OrderPopularity, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	ids := pollIDs(found)
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestFindLanguageFilters(t *testing.T) {
	repo := newTestRepository(t)
	seedPoll(t, repo, StoreActive, Poll{ID: "en", Language: "english"})
	seedPoll(t, repo, StoreActive, Poll{ID: "ja", Language: "japanese"})
	ctx := context.Background()

	same, err := repo.Find(ctx, StoreActive, Query{Filter: Filter{Language: " English "}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ids := pollIDs(same); len(ids) != 1 || ids[0] != "en" {
		t.Fatalf("unexpected same-language ids %v", ids)
	}
	other, err := repo.Find(ctx, StoreActive, Query{Filter: Filter{ExcludeLanguage: "english"}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ids := pollIDs(other); len(ids) != 1 || ids[0] != "ja" {
		t.Fatalf("unexpected other-language ids %v", ids)
	}
}

func TestFindQuestionContainsIsCaseInsensitive(t *testing.T) {
	repo := newTestRepository(t)
	seedPoll(t, repo, StoreActive, Poll{ID: "p1", Question: "Favourite Coffee?"})
	seedPoll(t, repo, StoreActive, Poll{ID: "p2", Question: "Best tea?"})
	seedPoll(t, repo, StoreActive, Poll{ID: "p3", Question: "100% sure?"})

	found, err := repo.Find(context.Background(), StoreActive, Query{Filter: Filter{QuestionContains: "coffee"}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ids := pollIDs(found); len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("unexpected ids %v", ids)
	}
	percent, err := repo.Find(context.Background(), StoreActive, Query{Filter: Filter{QuestionContains: "%"}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ids := pollIDs(percent); len(ids) != 1 || ids[0] != "p3" {
		t.Fatalf("expected literal percent match, got %v", ids)
	}
}

func TestUpdateFieldsAppliesDeltasAndAppends(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-1"})

	updated, err := repo.UpdateFields(ctx, StoreActive, PollID("poll-1"), Update{
		PopularityDelta: 8,
		LikesDelta:      1,
		AppendResponses: []Response{{Answer: "yes", Origin: OriginDSA, Gender: GenderOther}},
		AppendComments:  []Comment{{CommentID: "comment-1", AuthorID: "user-2", Text: "nice"}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PopularityCount != DefaultPopularity+8 {
		t.Fatalf("expected popularity 9, got %d", updated.PopularityCount)
	}
	if updated.Likes != 1 {
		t.Fatalf("expected one like, got %d", updated.Likes)
	}
	if len(updated.Responses) != 1 || updated.Responses[0].Answer != "yes" {
		t.Fatalf("unexpected responses %#v", updated.Responses)
	}
	if len(updated.CommentIDs) != 1 || updated.CommentIDs[0] != "comment-1" {
		t.Fatalf("unexpected comments %#v", updated.CommentIDs)
	}

	question := "Renamed?"
	renamed, err := repo.UpdateFields(ctx, StoreActive, PollID("poll-1"), Update{
		Question: &question,
		Answers:  []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Question != question || len(renamed.Answers) != 3 {
		t.Fatalf("unexpected renamed poll %#v", renamed)
	}
}

func TestUpdateFieldsUnknownPoll(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.UpdateFields(context.Background(), StoreActive, PollID("missing"), Update{PopularityDelta: 1})
	if !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateFieldsConcurrentIncrementsAreNotLost(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-1"})

	const writers = 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateFields(ctx, StoreActive, PollID("poll-1"), Update{
				PopularityDelta: 2,
				AppendResponses: []Response{{Answer: "yes", Origin: OriginQMS, Gender: GenderMale}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}

	stored, err := repo.Get(ctx, StoreActive, PollID("poll-1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PopularityCount != DefaultPopularity+2*writers {
		t.Fatalf("expected popularity %d, got %d", DefaultPopularity+2*writers, stored.PopularityCount)
	}
	if len(stored.Responses) != writers {
		t.Fatalf("expected %d responses, got %d", writers, len(stored.Responses))
	}
}

func TestUpdateAnywhereFollowsMigratedPoll(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-1"})
	if _, err := repo.Move(ctx, PollID("poll-1"), StoreActive, StoreServed); err != nil {
		t.Fatalf("move: %v", err)
	}

	store, updated, err := repo.UpdateAnywhere(ctx, PollID("poll-1"), Update{
		PopularityDelta: 2,
		AppendResponses: []Response{{Answer: "no", Origin: OriginDSA, Gender: GenderFemale}},
	})
	if err != nil {
		t.Fatalf("update anywhere: %v", err)
	}
	if store != StoreServed {
		t.Fatalf("expected the served store, got %s", store)
	}
	if updated.PopularityCount != DefaultPopularity+2 || len(updated.Responses) != 1 {
		t.Fatalf("unexpected updated poll %#v", updated)
	}
	if _, err := repo.Get(ctx, StoreActive, PollID("poll-1")); !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("expected no active copy, got %v", err)
	}
}

func TestUpdateAnywhereUnknownPollWritesNothing(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, _, err := repo.UpdateAnywhere(ctx, PollID("missing"), Update{
		PopularityDelta: 1,
		AppendResponses: []Response{{Answer: "yes", Origin: OriginDSA, Gender: GenderOther}},
	})
	if !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var orphaned int64
	if err := repo.db.Model(&Response{}).Where("poll_id = ?", "missing").Count(&orphaned).Error; err != nil {
		t.Fatalf("count responses: %v", err)
	}
	if orphaned != 0 {
		t.Fatalf("expected no orphaned responses, got %d", orphaned)
	}
}

func TestMoveTransfersPollAndKeepsResponses(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedPoll(t, repo, StoreActive, Poll{
		ID:        "poll-1",
		Responses: []Response{{Answer: "yes", Origin: OriginQMS, Gender: GenderFemale}},
	})

	moved, err := repo.Move(ctx, PollID("poll-1"), StoreActive, StoreServed)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ServedAtSeconds != 1700000000 {
		t.Fatalf("expected served timestamp, got %d", moved.ServedAtSeconds)
	}
	if len(moved.Responses) != 1 {
		t.Fatalf("expected responses to survive the move")
	}
	if _, err := repo.Get(ctx, StoreActive, PollID("poll-1")); !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("expected poll to leave the active store, got %v", err)
	}
	store, _, err := repo.Locate(ctx, PollID("poll-1"))
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if store != StoreServed {
		t.Fatalf("expected served store, got %s", store)
	}

	if _, err := repo.Move(ctx, PollID("poll-1"), StoreActive, StoreServed); !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("expected second move to report not found, got %v", err)
	}
}

func TestMoveWhenTargetAlreadyHoldsPoll(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-1"})
	seedPoll(t, repo, StoreServed, Poll{ID: "poll-1"})

	if _, err := repo.Move(ctx, PollID("poll-1"), StoreActive, StoreServed); err != nil {
		t.Fatalf("move: %v", err)
	}
	activeCount, err := repo.Count(ctx, StoreActive, Filter{})
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	servedCount, err := repo.Count(ctx, StoreServed, Filter{})
	if err != nil {
		t.Fatalf("count served: %v", err)
	}
	if activeCount != 0 || servedCount != 1 {
		t.Fatalf("expected 0 active and 1 served, got %d and %d", activeCount, servedCount)
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	repo := newTestRepository(t)
	seedPoll(t, repo, StoreActive, Poll{ID: "poll-1"})
	_, err := repo.Create(context.Background(), StoreActive, Poll{ID: "poll-1", Question: "q", Answers: []string{"a"}, Language: "english"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "polls.create.duplicate_poll_id" {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDeleteRemovesChildren(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	seedPoll(t, repo, StoreActive, Poll{
		ID:        "poll-1",
		Responses: []Response{{Answer: "yes", Origin: OriginQMS, Gender: GenderMale}},
	})
	if err := repo.Delete(ctx, StoreActive, PollID("poll-1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var remaining int64
	if err := repo.db.Model(&Response{}).Where("poll_id = ?", "poll-1").Count(&remaining).Error; err != nil {
		t.Fatalf("count responses: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected responses to be deleted, got %d", remaining)
	}
	if err := repo.Delete(ctx, StoreActive, PollID("poll-1")); !errors.Is(err, ErrPollNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
