package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReactionRequest_Validate(t *testing.T) {
	req := &ReactionRequest{Emoji: "  👍 "}
	assert.NoError(t, req.Validate())
	assert.Equal(t, "👍", req.Emoji)

	assert.Error(t, (&ReactionRequest{Emoji: " "}).Validate())
	assert.Error(t, (&ReactionRequest{Emoji: strings.Repeat("a", MaxEmojiLength+1)}).Validate())
	assert.NoError(t, (&ReactionRequest{Emoji: "👨‍👩‍👧‍👦"}).Validate())
}

func TestGroupReactions(t *testing.T) {
	assert.Equal(t, []ReactionGroup{}, GroupReactions(nil))

	groups := GroupReactions([]Reaction{
		{UserID: "a", Emoji: "👍"},
		{UserID: "b", Emoji: "🎉"},
		{UserID: "c", Emoji: "👍"},
	})
	assert.Equal(t, []ReactionGroup{
		{Emoji: "👍", Count: 2, Users: []string{"a", "c"}},
		{Emoji: "🎉", Count: 1, Users: []string{"b"}},
	}, groups)
}
