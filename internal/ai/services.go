package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/categories"
	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"github.com/MarcoPoloResearchLab/pollcast/internal/retry"
	"go.uber.org/zap"
)

const (
	dependencyModeration     = "moderation"
	dependencyCategorization = "categorization"
	dependencyTranslation    = "translation"

	defaultCallTimeout = 10 * time.Second
	defaultMaxRetries  = 1

	categorizeInstruction = `You assign a poll to exactly one category and detect its language.
Reply with a JSON object {"category": "<category id or null>", "language": "<language name in English>"}.
Choose the category id only from the list provided by the user message.`
	translateInstruction = `You translate polls. Reply with a JSON object
{"translatedQuestion": "<question>", "translatedAnswers": ["<answer>", ...]} keeping the answer order and count.`
)

var (
	errNoCategory      = errors.New("no category assigned")
	errUnknownCategory = errors.New("category not in the provided list")
	errMissingClient   = errors.New("ai client is required")
)

// Observer receives the outcome of every dependency call.
type Observer interface {
	ObserveDependency(dependency string, degraded bool)
}

type noOpObserver struct{}

func (noOpObserver) ObserveDependency(string, bool) {}

// ServiceConfig is shared by the moderation, categorization and translation services.
type ServiceConfig struct {
	Client     *Client
	MaxRetries int
	Timeout    time.Duration
	Observer   Observer
	Logger     *zap.Logger
}

type service struct {
	client   *Client
	policy   retry.Policy
	observer Observer
	logger   *zap.Logger
}

func newService(cfg ServiceConfig, operation string) (service, error) {
	if cfg.Client == nil {
		return service{}, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingClient)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return service{
		client: cfg.Client,
		policy: retry.Policy{
			MaxRetries:     maxRetries,
			AttemptTimeout: timeout,
			Logger:         logger,
			Operation:      operation,
		},
		observer: observer,
		logger:   logger,
	}, nil
}

func (s service) degrade(dependency string, err error) error {
	s.observer.ObserveDependency(dependency, true)
	return fmt.Errorf("%w: %s: %w", ErrDependencyDegraded, dependency, err)
}

// Moderator screens user text before it is published.
type Moderator struct {
	service
}

// NewModerator constructs a Moderator.
func NewModerator(cfg ServiceConfig) (*Moderator, error) {
	base, err := newService(cfg, "ai.moderate")
	if err != nil {
		return nil, err
	}
	return &Moderator{service: base}, nil
}

// Moderate reports whether the text is flagged. Errors wrap ErrDependencyDegraded.
func (m *Moderator) Moderate(ctx context.Context, text string) (bool, error) {
	flagged, err := retry.Do(ctx, m.policy, func(ctx context.Context) (bool, error) {
		return m.client.moderate(ctx, text)
	})
	if err != nil {
		return false, m.degrade(dependencyModeration, err)
	}
	m.observer.ObserveDependency(dependencyModeration, false)
	return flagged, nil
}

// Categorization is the categorizer's verdict for a poll.
type Categorization struct {
	CategoryID string
	Language   string
}

// Categorizer assigns polls to one of the known categories.
type Categorizer struct {
	service
}

// NewCategorizer constructs a Categorizer.
func NewCategorizer(cfg ServiceConfig) (*Categorizer, error) {
	base, err := newService(cfg, "ai.categorize")
	if err != nil {
		return nil, err
	}
	return &Categorizer{service: base}, nil
}

type categorizeReply struct {
	Category *string `json:"category"`
	Language string  `json:"language"`
}

// Categorize picks a category for text. An empty, unknown or unparsable answer is retried;
// once retries are exhausted the error wraps ErrDependencyDegraded.
func (c *Categorizer) Categorize(ctx context.Context, text string, options []categories.Category) (Categorization, error) {
	if len(options) == 0 {
		return Categorization{}, c.degrade(dependencyCategorization, errNoCategory)
	}
	var listing strings.Builder
	for _, option := range options {
		fmt.Fprintf(&listing, "- %s: %s\n", option.ID, option.Name)
	}
	content := fmt.Sprintf("Categories:\n%s\nPoll:\n%s", listing.String(), text)

	result, err := retry.Do(ctx, c.policy, func(ctx context.Context) (Categorization, error) {
		var reply categorizeReply
		if err := c.client.completeJSON(ctx, categorizeInstruction, content, &reply); err != nil {
			return Categorization{}, err
		}
		if reply.Category == nil || strings.TrimSpace(*reply.Category) == "" {
			return Categorization{}, errNoCategory
		}
		categoryID, ok := matchCategory(options, *reply.Category)
		if !ok {
			return Categorization{}, fmt.Errorf("%w: %q", errUnknownCategory, *reply.Category)
		}
		return Categorization{CategoryID: categoryID, Language: polls.NormalizeLanguage(reply.Language)}, nil
	})
	if err != nil {
		return Categorization{}, c.degrade(dependencyCategorization, err)
	}
	c.observer.ObserveDependency(dependencyCategorization, false)
	return result, nil
}

func matchCategory(options []categories.Category, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	for _, option := range options {
		if option.ID == answer {
			return option.ID, true
		}
	}
	for _, option := range options {
		if strings.EqualFold(option.Name, answer) {
			return option.ID, true
		}
	}
	return "", false
}

// TranslatorConfig wires a Translator.
type TranslatorConfig struct {
	ServiceConfig
	Cache TranslationCache
}

// Translator rewrites polls into another language, caching results per poll revision.
type Translator struct {
	service
	cache TranslationCache
}

// NewTranslator constructs a Translator.
func NewTranslator(cfg TranslatorConfig) (*Translator, error) {
	base, err := newService(cfg.ServiceConfig, "ai.translate")
	if err != nil {
		return nil, err
	}
	return &Translator{service: base, cache: cfg.Cache}, nil
}

type translateReply struct {
	TranslatedQuestion string   `json:"translatedQuestion"`
	TranslatedAnswers  []string `json:"translatedAnswers"`
}

// TranslatePoll returns a copy of poll with its question and answers in targetLanguage.
// Translated copies are marked and never persisted.
func (t *Translator) TranslatePoll(ctx context.Context, poll polls.Poll, targetLanguage string) (polls.Poll, error) {
	target := polls.NormalizeLanguage(targetLanguage)
	if target == "" || polls.NormalizeLanguage(poll.Language) == target {
		return poll, nil
	}
	key := translationKey(poll, target)
	if t.cache != nil {
		cached, found, err := t.cache.Get(ctx, key)
		if err != nil {
			t.logger.Warn("translation cache read failed", zap.String("key", key), zap.Error(err))
		}
		if found {
			return applyTranslation(poll, target, cached), nil
		}
	}

	translation, err := retry.Do(ctx, t.policy, func(ctx context.Context) (Translation, error) {
		var reply translateReply
		content := fmt.Sprintf("Target language: %s\nQuestion: %s\nAnswers: %s",
			target, poll.Question, strings.Join(poll.Answers, " | "))
		if err := t.client.completeJSON(ctx, translateInstruction, content, &reply); err != nil {
			return Translation{}, err
		}
		if strings.TrimSpace(reply.TranslatedQuestion) == "" || len(reply.TranslatedAnswers) != len(poll.Answers) {
			return Translation{}, fmt.Errorf("%w: translation does not match the poll shape", ErrMalformedResponse)
		}
		return Translation{Question: reply.TranslatedQuestion, Answers: reply.TranslatedAnswers}, nil
	})
	if err != nil {
		return poll, t.degrade(dependencyTranslation, err)
	}
	t.observer.ObserveDependency(dependencyTranslation, false)

	if t.cache != nil {
		if err := t.cache.Set(ctx, key, translation); err != nil {
			t.logger.Warn("translation cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return applyTranslation(poll, target, translation), nil
}

func translationKey(poll polls.Poll, target string) string {
	return fmt.Sprintf("translation:%s:%d:%s", poll.ID, poll.UpdatedAtSeconds, target)
}

func applyTranslation(poll polls.Poll, target string, translation Translation) polls.Poll {
	translated := poll
	translated.Question = translation.Question
	translated.Answers = append([]string(nil), translation.Answers...)
	translated.Language = target
	translated.Translated = true
	return translated
}
