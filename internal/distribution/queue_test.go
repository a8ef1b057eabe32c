package distribution

import (
	"context"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
)

func TestNewQueueSelectorRequiresFinder(t *testing.T) {
	if _, err := NewQueueSelector(QueueConfig{}); err == nil {
		t.Fatalf("expected error without finder")
	}
}

func TestSelectQueueSameCategoryAndLanguageFillsQueue(t *testing.T) {
	repo := newTestRepository(t)
	seeder := newSeeder(t, repo)
	seeder.seed(seedBatch{prefix: "new", count: 1, category: "c", language: "english"})
	seeder.seed(seedBatch{prefix: "admin", count: 3, category: "c", language: "english", admin: true})
	seeder.seed(seedBatch{prefix: "match", count: 12, category: "c", language: "english"})

	selector, err := NewQueueSelector(QueueConfig{Finder: repo})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	queue, err := selector.SelectQueue(context.Background(),
		polls.Poll{ID: "new-00", CategoryID: "c", Language: "EN"},
		Preferences{Language: "english"})
	if err != nil {
		t.Fatalf("select queue: %v", err)
	}
	assertDistinctPage(t, queue)
	if len(queue) != PageSize {
		t.Fatalf("expected %d polls, got %d", PageSize, len(queue))
	}
	for _, poll := range queue {
		if poll.CategoryID != "c" || poll.Language != "english" {
			t.Fatalf("unexpected poll %s in %s/%s", poll.ID, poll.CategoryID, poll.Language)
		}
		if !strings.HasPrefix(poll.ID, "match-") {
			t.Fatalf("unexpected poll %s in queue", poll.ID)
		}
	}
}

func TestSelectQueueFallsThroughEveryLayer(t *testing.T) {
	repo := newTestRepository(t)
	seeder := newSeeder(t, repo)
	seeder.seed(seedBatch{prefix: "adm", count: 4, category: "c", language: "english", admin: true})
	seeder.seed(seedBatch{prefix: "l1", count: 2, category: "c", language: "english"})
	seeder.seed(seedBatch{prefix: "l2", count: 3, category: "p", language: "english"})
	seeder.seed(seedBatch{prefix: "l3", count: 1, category: "x", language: "english"})
	seeder.seed(seedBatch{prefix: "l4a", count: 2, category: "c", language: "japanese"})
	seeder.seed(seedBatch{prefix: "l4b", count: 5, category: "y", language: "fr"})
	seeder.seed(seedBatch{store: polls.StoreServed, prefix: "srv", count: 5, category: "c", language: "english"})

	translator := &fakeTranslator{failIDs: map[string]bool{"l4a-01": true}}
	observer := newRecordingObserver()
	selector, err := NewQueueSelector(QueueConfig{Finder: repo, Translator: translator, Observer: observer})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	queue, err := selector.SelectQueue(context.Background(),
		polls.Poll{ID: "fresh", CategoryID: "c", Language: "english"},
		Preferences{Categories: []string{"p"}, Language: "english"})
	if err != nil {
		t.Fatalf("select queue: %v", err)
	}
	assertDistinctPage(t, queue)

	expected := []string{"l1-00", "l1-01", "l2-00", "l2-01", "l2-02", "l3-00", "l4a-00", "l4a-01", "l4b-00", "l4b-01"}
	if len(queue) != len(expected) {
		t.Fatalf("expected %d polls, got %d", len(expected), len(queue))
	}
	for index, poll := range queue {
		if poll.ID != expected[index] {
			t.Fatalf("position %d: expected %s, got %s", index, expected[index], poll.ID)
		}
	}
	if !queue[6].Translated || !strings.HasPrefix(queue[6].Question, "[en] ") {
		t.Fatalf("expected l4a-00 to be translated, got %#v", queue[6])
	}
	if queue[7].Translated {
		t.Fatalf("expected failed translation to keep the original poll")
	}
	if !queue[8].Translated || !queue[9].Translated {
		t.Fatalf("expected random backfill to be translated")
	}
	if observer.degraded != 1 {
		t.Fatalf("expected one degraded translation, got %d", observer.degraded)
	}
	if observer.layers["qms/preferred_categories"] != 3 {
		t.Fatalf("unexpected layer counts %v", observer.layers)
	}
}

func TestSelectQueueWithoutCategorySkipsTranslatedLayers(t *testing.T) {
	repo := newTestRepository(t)
	seeder := newSeeder(t, repo)
	seeder.seed(seedBatch{prefix: "en", count: 3, category: "x", language: "english"})
	seeder.seed(seedBatch{prefix: "ja", count: 5, category: "x", language: "japanese"})

	translator := &fakeTranslator{}
	selector, err := NewQueueSelector(QueueConfig{Finder: repo, Translator: translator})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	queue, err := selector.SelectQueue(context.Background(),
		polls.Poll{ID: "fresh", Language: "english"},
		Preferences{Language: "english"})
	if err != nil {
		t.Fatalf("select queue: %v", err)
	}
	if len(queue) != 3 || countPrefix(queue, "en-") != 3 {
		t.Fatalf("expected the three same-language polls, got %d", len(queue))
	}
	if len(translator.calls) != 0 {
		t.Fatalf("expected no translation calls, got %v", translator.calls)
	}
}

func TestSelectQueueSparseStoreReturnsFewer(t *testing.T) {
	repo := newTestRepository(t)
	selector, err := NewQueueSelector(QueueConfig{Finder: repo})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	queue, err := selector.SelectQueue(context.Background(),
		polls.Poll{ID: "fresh", CategoryID: "c", Language: "english"},
		Preferences{Categories: []string{"a", "b"}, Language: "english"})
	if err != nil {
		t.Fatalf("select queue: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected an empty queue, got %d", len(queue))
	}
}
