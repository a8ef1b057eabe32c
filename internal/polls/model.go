package polls

import (
	"errors"
	"fmt"
	"strings"
)

// Store selects one of the two logically identical poll stores.
type Store string

const (
	// StoreActive holds polls that are still collecting responses.
	StoreActive Store = "active"
	// StoreServed holds polls that reached their response quota.
	StoreServed Store = "served"
)

const (
	maxIdentifierLength = 190

	// DefaultPopularity is the popularity every new poll starts with.
	DefaultPopularity int64 = 1
)

var (
	// ErrInvalidPollID indicates that a poll identifier is empty or exceeds storage bounds.
	ErrInvalidPollID = errors.New("polls: invalid poll id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("polls: invalid user id")
	// ErrInvalidStore indicates an unknown store selector.
	ErrInvalidStore = errors.New("polls: invalid store")
)

// Stores lists the stores in lookup order.
var Stores = []Store{StoreActive, StoreServed}

// Validate reports whether the store selector is known.
func (s Store) Validate() error {
	switch s {
	case StoreActive, StoreServed:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStore, string(s))
	}
}

// TableName returns the table that backs the store.
func (s Store) TableName() string {
	switch s {
	case StoreServed:
		return servedTableName
	default:
		return activeTableName
	}
}

func (s Store) String() string {
	return string(s)
}

// PollID represents a validated poll identifier.
type PollID string

// NewPollID validates raw input and returns a PollID.
func NewPollID(rawInput string) (PollID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPollID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPollID, maxIdentifierLength)
	}
	return PollID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PollID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// languageNames maps ISO 639-1 codes onto the lower-case English names languages are stored under.
var languageNames = map[string]string{
	"ar": "arabic",
	"bn": "bengali",
	"cs": "czech",
	"da": "danish",
	"de": "german",
	"el": "greek",
	"en": "english",
	"es": "spanish",
	"fa": "persian",
	"fi": "finnish",
	"fr": "french",
	"he": "hebrew",
	"hi": "hindi",
	"hu": "hungarian",
	"id": "indonesian",
	"it": "italian",
	"ja": "japanese",
	"ko": "korean",
	"nl": "dutch",
	"no": "norwegian",
	"pl": "polish",
	"pt": "portuguese",
	"ro": "romanian",
	"ru": "russian",
	"sv": "swedish",
	"th": "thai",
	"tr": "turkish",
	"uk": "ukrainian",
	"vi": "vietnamese",
	"zh": "chinese",
}

// LanguageCodes returns the ISO 639-1 codes NormalizeLanguage resolves, keyed to their stored names.
func LanguageCodes() map[string]string {
	codes := make(map[string]string, len(languageNames))
	for code, name := range languageNames {
		codes[code] = name
	}
	return codes
}

// NormalizeLanguage folds a language into its stored form: the lower-case English name.
// ISO 639-1 codes, with or without a region subtag ("en", "pt-BR"), resolve to that name;
// anything else is kept trimmed and lower-cased.
func NormalizeLanguage(language string) string {
	folded := strings.ToLower(strings.TrimSpace(language))
	primary := folded
	if index := strings.IndexAny(folded, "-_"); index > 0 {
		primary = folded[:index]
	}
	if name, ok := languageNames[primary]; ok {
		return name
	}
	return folded
}

const (
	activeTableName   = "active_polls"
	servedTableName   = "served_polls"
	responseTableName = "poll_responses"
	commentTableName  = "poll_comments"
)

// Poll models a user-authored poll. A poll row lives in exactly one store table at a time;
// its responses and comments are keyed by poll id and survive migration untouched.
type Poll struct {
	ID               string   `gorm:"column:poll_id;primaryKey;size:190;not null" json:"id"`
	Question         string   `gorm:"column:question;type:text;not null" json:"question"`
	Answers          []string `gorm:"column:answers;serializer:json;type:text;not null" json:"answers"`
	OwnerID          string   `gorm:"column:owner_id;size:190;not null;index" json:"owner"`
	OwnerCountry     string   `gorm:"column:owner_country;size:120;not null;default:''" json:"ownerCountry"`
	IsCreatedByAdmin bool     `gorm:"column:is_created_by_admin;not null;default:false;index" json:"isCreatedByAdmin"`
	CategoryID       string   `gorm:"column:category_id;size:190;not null;default:'';index" json:"category"`
	Language         string   `gorm:"column:language;size:64;not null;index" json:"language"`
	PaidTier         string   `gorm:"column:paid_tier;size:190;not null;default:''" json:"paidTier,omitempty"`
	PopularityCount  int64    `gorm:"column:popularity_count;not null;index" json:"popularityCount"`
	Likes            int64    `gorm:"column:likes;not null;default:0" json:"likes"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null" json:"createdAt"`
	UpdatedAtSeconds int64    `gorm:"column:updated_at_s;not null" json:"updatedAt"`
	ServedAtSeconds  int64    `gorm:"column:served_at_s;not null;default:0" json:"servedAt,omitempty"`

	Responses  []Response `gorm:"-" json:"responses"`
	CommentIDs []string   `gorm:"-" json:"comments"`
	Translated bool       `gorm:"-" json:"translated,omitempty"`
}

// HasCategory reports whether a categorizer has assigned the poll a category.
func (p Poll) HasCategory() bool {
	return strings.TrimSpace(p.CategoryID) != ""
}

// IsPaid reports whether the poll carries a paid tier marker.
func (p Poll) IsPaid() bool {
	return strings.TrimSpace(p.PaidTier) != ""
}

// Response captures a single submitted answer.
type Response struct {
	ResponseID       int64  `gorm:"column:response_id;primaryKey;autoIncrement" json:"-"`
	PollID           string `gorm:"column:poll_id;size:190;not null;index" json:"-"`
	RespondentID     string `gorm:"column:respondent_id;size:190;not null;default:''" json:"respondent,omitempty"`
	Answer           string `gorm:"column:answer;type:text;not null" json:"answer"`
	Origin           Origin `gorm:"column:origin;size:16;not null" json:"origin"`
	Geography        string `gorm:"column:geography;size:120;not null;default:''" json:"geography"`
	Age              string `gorm:"column:age;size:32;not null;default:''" json:"age"`
	Gender           Gender `gorm:"column:gender;size:16;not null" json:"gender"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Response) TableName() string {
	return responseTableName
}

// Comment records a comment left on a poll.
type Comment struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:190;not null" json:"id"`
	PollID           string `gorm:"column:poll_id;size:190;not null;index" json:"pollId"`
	AuthorID         string `gorm:"column:author_id;size:190;not null" json:"author"`
	Text             string `gorm:"column:text;type:text;not null" json:"text"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return commentTableName
}

// Origin names the pipeline through which a respondent reached the poll.
type Origin string

const (
	OriginDSA Origin = "dsa"
	OriginQMS Origin = "qms"
)

// Gender enumerates the respondent genders accepted on responses.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// ActivePoll and ServedPoll bind the shared Poll shape to each store table for schema migration.
type ActivePoll struct{ Poll }

// TableName provides the explicit table binding for GORM.
func (ActivePoll) TableName() string { return activeTableName }

// ServedPoll binds the shared Poll shape to the served table.
type ServedPoll struct{ Poll }

// TableName provides the explicit table binding for GORM.
func (ServedPoll) TableName() string { return servedTableName }

// Models returns every model the poll repository persists.
func Models() []any {
	return []any{&ActivePoll{}, &ServedPoll{}, &Response{}, &Comment{}}
}
