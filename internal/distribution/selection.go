// Package distribution selects polls for users: the creation-time queue and the feed pages.
package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"go.uber.org/zap"
)

const (
	// PageSize bounds every selection result.
	PageSize = 10

	activeQuota = 6
	servedQuota = 4

	pipelineQueue = "qms"
	pipelineFeed  = "dsa"
)

var noOpLogger = zap.NewNop()

// Finder is the read side of the poll repository used by the selection layers.
type Finder interface {
	Find(ctx context.Context, store polls.Store, query polls.Query) ([]polls.Poll, error)
}

// Translator rewrites a poll's question and answers into the target language.
type Translator interface {
	TranslatePoll(ctx context.Context, poll polls.Poll, targetLanguage string) (polls.Poll, error)
}

// Observer receives per-layer selection counts and degraded dependency calls.
type Observer interface {
	ObserveLayer(pipeline, layer string, selected int)
	ObserveDependency(dependency string, degraded bool)
}

type noOpObserver struct{}

func (noOpObserver) ObserveLayer(string, string, int) {}
func (noOpObserver) ObserveDependency(string, bool)   {}

// Preferences is the selection-time view of a user.
type Preferences struct {
	UserID     string
	Categories []string
	Language   string
	Country    string
	Continent  string
}

// Cursor is the caller-held feed position.
type Cursor struct {
	CategoryIndex int `json:"categoryIndex"`
	Page          int `json:"page"`
}

// NewCursor validates raw cursor values.
func NewCursor(categoryIndex, page int) (Cursor, error) {
	validation := &polls.ValidationError{}
	if categoryIndex < 0 {
		validation.Add("categoryIndex", "must be zero or greater")
	}
	if page < 1 {
		validation.Add("page", "must be one or greater")
	}
	if err := validation.Err(); err != nil {
		return Cursor{}, err
	}
	return Cursor{CategoryIndex: categoryIndex, Page: page}, nil
}

// FeedPage is one page of feed results and the cursor position it was produced at.
type FeedPage struct {
	Docs          []polls.Poll `json:"docs"`
	CategoryIndex int          `json:"categoryIndex"`
	Page          int          `json:"page"`
}

// selection accumulates distinct polls up to a fixed capacity.
type selection struct {
	capacity int
	polls    []polls.Poll
	seen     map[string]struct{}
}

func newSelection(capacity int, excluded ...string) *selection {
	seen := make(map[string]struct{}, capacity+len(excluded))
	for _, id := range excluded {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	return &selection{
		capacity: capacity,
		polls:    make([]polls.Poll, 0, capacity),
		seen:     seen,
	}
}

func (s *selection) remaining() int {
	return s.capacity - len(s.polls)
}

func (s *selection) full() bool {
	return s.remaining() <= 0
}

// excluded lists every id that later layers must skip, including pre-excluded ones.
func (s *selection) excluded() []string {
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	return ids
}

// add appends candidates in order, skipping known ids, until capacity is reached.
func (s *selection) add(candidates []polls.Poll) int {
	added := 0
	for _, candidate := range candidates {
		if s.full() {
			break
		}
		if _, ok := s.seen[candidate.ID]; ok {
			continue
		}
		s.seen[candidate.ID] = struct{}{}
		s.polls = append(s.polls, candidate)
		added++
	}
	return added
}

func (s *selection) result() []polls.Poll {
	return s.polls
}

func layerError(pipeline, layer string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return polls.NewServiceError(fmt.Sprintf("distribution.%s", pipeline), layer+"_failed", err)
}
