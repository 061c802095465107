package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxEmojiLength bounds an emoji in runes. Compound emoji (flags, families)
// run past ten code points.
const MaxEmojiLength = 32

// Reaction is one user's emoji on one message. A user reacts with a given
// emoji at most once per message.
type Reaction struct {
	MessageID string    `json:"message_id" db:"message_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ReactionGroup is every reaction with the same emoji on a message, in the
// order users added them.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReactionRequest is the payload for toggling a reaction.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

func (r *ReactionRequest) Validate() error {
	r.Emoji = strings.TrimSpace(r.Emoji)
	if r.Emoji == "" {
		return fmt.Errorf("emoji is required")
	}
	if utf8.RuneCountInString(r.Emoji) > MaxEmojiLength {
		return fmt.Errorf("emoji must be at most %d characters", MaxEmojiLength)
	}
	return nil
}

// GroupReactions folds reactions, oldest first, into one group per emoji
// ordered by the emoji's first use.
func GroupReactions(reactions []Reaction) []ReactionGroup {
	groups := []ReactionGroup{}
	index := make(map[string]int)
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, r.UserID)
	}
	return groups
}
