package distribution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRepository(t *testing.T) *polls.GormRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "distribution.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(polls.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo, err := polls.NewGormRepository(polls.RepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

type seedBatch struct {
	store      polls.Store
	prefix     string
	count      int
	category   string
	language   string
	country    string
	admin      bool
	popularity int64
}

type seeder struct {
	t       *testing.T
	repo    *polls.GormRepository
	created int64
}

func newSeeder(t *testing.T, repo *polls.GormRepository) *seeder {
	return &seeder{t: t, repo: repo, created: 1700000000}
}

func (s *seeder) seed(batch seedBatch) []string {
	s.t.Helper()
	store := batch.store
	if store == "" {
		store = polls.StoreActive
	}
	popularity := batch.popularity
	if popularity == 0 {
		popularity = polls.DefaultPopularity
	}
	ids := make([]string, 0, batch.count)
	for index := 0; index < batch.count; index++ {
		s.created++
		id := fmt.Sprintf("%s-%02d", batch.prefix, index)
		_, err := s.repo.Create(context.Background(), store, polls.Poll{
			ID:               id,
			Question:         "Question " + id,
			Answers:          []string{"yes", "no"},
			OwnerID:          "owner-" + id,
			OwnerCountry:     batch.country,
			IsCreatedByAdmin: batch.admin,
			CategoryID:       batch.category,
			Language:         batch.language,
			PopularityCount:  popularity,
			CreatedAtSeconds: s.created,
		})
		if err != nil {
			s.t.Fatalf("seed %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func assertDistinctPage(t *testing.T, docs []polls.Poll) {
	t.Helper()
	if len(docs) > PageSize {
		t.Fatalf("expected at most %d polls, got %d", PageSize, len(docs))
	}
	seen := make(map[string]struct{}, len(docs))
	for _, poll := range docs {
		if _, ok := seen[poll.ID]; ok {
			t.Fatalf("duplicate poll id %s", poll.ID)
		}
		seen[poll.ID] = struct{}{}
	}
}

func countPrefix(docs []polls.Poll, prefix string) int {
	count := 0
	for _, poll := range docs {
		if len(poll.ID) >= len(prefix) && poll.ID[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}

type fakeTranslator struct {
	mu      sync.Mutex
	failIDs map[string]bool
	calls   []string
}

func (f *fakeTranslator) TranslatePoll(_ context.Context, poll polls.Poll, target string) (polls.Poll, error) {
	f.mu.Lock()
	f.calls = append(f.calls, poll.ID)
	f.mu.Unlock()
	if f.failIDs[poll.ID] {
		return polls.Poll{}, errors.New("translation unavailable")
	}
	poll.Question = "[" + target + "] " + poll.Question
	poll.Language = target
	poll.Translated = true
	return poll, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	layers   map[string]int
	degraded int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{layers: make(map[string]int)}
}

func (r *recordingObserver) ObserveLayer(pipeline, layer string, selected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[pipeline+"/"+layer] += selected
}

func (r *recordingObserver) ObserveDependency(_ string, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if degraded {
		r.degraded++
	}
}

type countingFinder struct {
	mu    sync.Mutex
	inner Finder
	calls int
}

func (c *countingFinder) Find(ctx context.Context, store polls.Store, query polls.Query) ([]polls.Poll, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Find(ctx, store, query)
}
