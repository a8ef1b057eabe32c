package polls

import "context"

// AdminFilter restricts a query by authorship.
type AdminFilter int

const (
	// AdminAny matches polls regardless of who authored them.
	AdminAny AdminFilter = iota
	// AdminExcluded matches only user-authored polls.
	AdminExcluded
	// AdminOnly matches only admin-authored polls.
	AdminOnly
)

// Order selects the sort applied to a query.
type Order int

const (
	// OrderNatural returns polls in creation order.
	OrderNatural Order = iota
	// OrderPopularity returns polls by popularity descending; ties keep creation order.
	OrderPopularity
)

// Filter describes the predicate shared by Find and Count. Empty fields do not constrain.
type Filter struct {
	CategoryID       string
	Language         string
	ExcludeLanguage  string
	ExcludeIDs       []string
	Admin            AdminFilter
	QuestionContains string
}

// Query combines a filter with ordering and pagination.
type Query struct {
	Filter Filter
	Order  Order
	Skip   int
	Limit  int
}

// Update is a partial poll update. Counter deltas and appends are applied atomically in the
// database; nil pointers leave their field untouched.
type Update struct {
	PopularityDelta int64
	LikesDelta      int64
	Question        *string
	Answers         []string
	CategoryID      *string
	Language        *string
	PaidTier        *string
	AppendResponses []Response
	AppendComments  []Comment
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return u.PopularityDelta == 0 &&
		u.LikesDelta == 0 &&
		u.Question == nil &&
		u.Answers == nil &&
		u.CategoryID == nil &&
		u.Language == nil &&
		u.PaidTier == nil &&
		len(u.AppendResponses) == 0 &&
		len(u.AppendComments) == 0
}

// Repository is implemented identically over the Active and Served stores.
type Repository interface {
	// Find returns at most query.Limit polls; a non-positive limit yields no polls.
	Find(ctx context.Context, store Store, query Query) ([]Poll, error)
	Count(ctx context.Context, store Store, filter Filter) (int64, error)
	Get(ctx context.Context, store Store, id PollID) (Poll, error)
	// Locate searches every store in order and reports which one holds the poll.
	Locate(ctx context.Context, id PollID) (Store, Poll, error)
	Create(ctx context.Context, store Store, poll Poll) (Poll, error)
	UpdateFields(ctx context.Context, store Store, id PollID, update Update) (Poll, error)
	// UpdateAnywhere applies update in whichever store holds the poll at write time.
	UpdateAnywhere(ctx context.Context, id PollID, update Update) (Store, Poll, error)
	// Delete removes the poll together with its responses and comments.
	Delete(ctx context.Context, store Store, id PollID) error
	// Move transfers the poll row between stores in one transaction. Moving a poll that the
	// target store already holds only removes it from the source.
	Move(ctx context.Context, id PollID, from, to Store) (Poll, error)
}

// IDProvider issues identifiers for new polls and comments.
type IDProvider interface {
	NewID() (string, error)
}
