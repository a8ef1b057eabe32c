package polls

import (
	"slices"
	"strings"
)

const (
	maxQuestionLength = 1000
	maxAnswerCount    = 20
)

// DraftInput is the raw poll payload submitted by a creator.
type DraftInput struct {
	Question         string
	Answers          []string
	Language         string
	CategoryID       string
	PaidTier         string
	IsCreatedByAdmin bool
}

// Draft is a poll payload that passed validation.
type Draft struct {
	Question         string
	Answers          []string
	Language         string
	CategoryID       string
	PaidTier         string
	IsCreatedByAdmin bool
}

// ParseDraft validates creator input and returns a normalized Draft or a *ValidationError.
// The language may be empty: the categorizer is expected to detect it.
func ParseDraft(input DraftInput) (Draft, error) {
	validation := &ValidationError{}

	question := strings.TrimSpace(input.Question)
	switch {
	case question == "":
		validation.Add("question", "required")
	case len(question) > maxQuestionLength:
		validation.Add("question", "too long")
	}

	answers := make([]string, 0, len(input.Answers))
	for _, answer := range input.Answers {
		trimmed := strings.TrimSpace(answer)
		if trimmed == "" {
			validation.Add("answers", "must not contain empty entries")
			break
		}
		answers = append(answers, trimmed)
	}
	switch {
	case len(input.Answers) == 0:
		validation.Add("answers", "required")
	case len(input.Answers) > maxAnswerCount:
		validation.Add("answers", "too many entries")
	}

	if err := validation.Err(); err != nil {
		return Draft{}, err
	}

	return Draft{
		Question:         question,
		Answers:          answers,
		Language:         NormalizeLanguage(input.Language),
		CategoryID:       strings.TrimSpace(input.CategoryID),
		PaidTier:         strings.TrimSpace(input.PaidTier),
		IsCreatedByAdmin: input.IsCreatedByAdmin,
	}, nil
}

// ResponseInput is one raw response entry submitted with a vote.
type ResponseInput struct {
	Answer    string
	Origin    string
	Geography string
	Age       string
	Gender    string
}

// ParseResponses validates vote entries against the poll's answer options.
func ParseResponses(poll Poll, respondentID string, inputs []ResponseInput) ([]Response, error) {
	validation := &ValidationError{}
	if len(inputs) == 0 {
		validation.Add("responses", "required")
		return nil, validation
	}

	responses := make([]Response, 0, len(inputs))
	for _, input := range inputs {
		answer := strings.TrimSpace(input.Answer)
		if !slices.Contains(poll.Answers, answer) {
			validation.Add("responses.answer", "must match one of the poll answers")
		}
		origin := Origin(strings.ToLower(strings.TrimSpace(input.Origin)))
		if origin != OriginDSA && origin != OriginQMS {
			validation.Add("responses.origin", "must be dsa or qms")
		}
		gender := Gender(strings.ToLower(strings.TrimSpace(input.Gender)))
		if gender != GenderMale && gender != GenderFemale && gender != GenderOther {
			validation.Add("responses.gender", "must be male, female or other")
		}
		responses = append(responses, Response{
			PollID:       poll.ID,
			RespondentID: strings.TrimSpace(respondentID),
			Answer:       answer,
			Origin:       origin,
			Geography:    strings.TrimSpace(input.Geography),
			Age:          strings.TrimSpace(input.Age),
			Gender:       gender,
		})
	}

	if err := validation.Err(); err != nil {
		return nil, err
	}
	return responses, nil
}
