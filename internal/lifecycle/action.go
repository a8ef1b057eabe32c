// Package lifecycle applies poll interactions and moves polls from the Active store to the
// Served store once they collect enough responses.
package lifecycle

import (
	"strings"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
)

// Action is an interaction a user performs on a poll.
type Action string

const (
	ActionClicked   Action = "clicked"
	ActionVoted     Action = "voted"
	ActionCommented Action = "commented"
	ActionLiked     Action = "liked"
)

var actionWeights = map[Action]int64{
	ActionClicked:   8,
	ActionVoted:     2,
	ActionCommented: 6,
	ActionLiked:     4,
}

// ParseAction validates a raw action type.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	if raw == "" {
		return "", polls.Invalid("actionType", "required")
	}
	if _, ok := actionWeights[action]; !ok {
		return "", polls.Invalid("actionType", "must be one of clicked, voted, commented, liked")
	}
	return action, nil
}

// Weight is the popularity increment the action contributes.
func (a Action) Weight() int64 {
	return actionWeights[a]
}

func (a Action) String() string {
	return string(a)
}

const (
	freeResponseThreshold = 10
	paidResponseThreshold = 40
)

// ResponseThreshold is the response count at which the poll leaves the Active store.
func ResponseThreshold(poll polls.Poll) int {
	if poll.IsPaid() {
		return paidResponseThreshold
	}
	return freeResponseThreshold
}

// ShouldMigrate reports whether the poll reached its response threshold.
func ShouldMigrate(poll polls.Poll) bool {
	return len(poll.Responses) >= ResponseThreshold(poll)
}
