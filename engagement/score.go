// Package engagement computes weighted, time-decayed engagement scores for
// discovered posts. Scoring is pure and deterministic; everything that knows
// about clocks takes the current time as an argument.
package engagement

import "time"

// Interaction weights. Replies are the strongest engagement signal, quotes
// and reposts sit between replies and plain likes.
const (
	LikeWeight   = 1.0
	ReplyWeight  = 3.0
	RepostWeight = 2.0
	QuoteWeight  = 2.5
)

// Decay parameters: linear decay to a floor of 0.1 over one week. Posts older
// than a week still retain 10% of their raw score.
const (
	decayFloor       = 0.1
	decayWindowHours = 168.0
)

// Score computes the engagement score for a post at the current time. A nil
// postedAt means the original timestamp is unknown and no decay is applied.
func Score(likes, replies, reposts, quotes int64, postedAt *time.Time) float64 {
	return ScoreAt(likes, replies, reposts, quotes, postedAt, time.Now())
}

// ScoreAt is Score with an explicit evaluation time.
func ScoreAt(likes, replies, reposts, quotes int64, postedAt *time.Time, now time.Time) float64 {
	raw := float64(likes)*LikeWeight +
		float64(replies)*ReplyWeight +
		float64(reposts)*RepostWeight +
		float64(quotes)*QuoteWeight

	if postedAt == nil {
		return raw
	}

	hoursOld := now.Sub(*postedAt).Hours()
	if hoursOld < 0 {
		hoursOld = 0
	}
	decay := 1.0 - hoursOld/decayWindowHours
	if decay < decayFloor {
		decay = decayFloor
	}
	return raw * decay
}
