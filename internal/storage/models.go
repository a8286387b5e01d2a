package storage

import (
	"time"
)

// Difficulty levels accepted by the matchmaking queue.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

func ValidDifficulty(d string) bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Match proposal statuses. A proposal starts pending and moves to exactly
// one of the terminal statuses; it never moves back.
const (
	MatchPending  = "pending"
	MatchAccepted = "accepted"
	MatchDeclined = "declined"
	MatchTimeout  = "timeout"
)

// Reasons carried in match_declined events.
const (
	ReasonManualDecline = "manual_decline"
	ReasonTimeout       = "timeout"
	ReasonSessionFailed = "session_failed"
)

// QueueEntry is one waiting user in one (difficulty, language) partition.
// Topics may be empty, which means the user matches any topic set.
type QueueEntry struct {
	UserID     string    `json:"user_id"`
	Difficulty string    `json:"difficulty"`
	Language   string    `json:"language"`
	Topics     []string  `json:"topics"`
	JoinedAt   time.Time `json:"joined_at"`
}

// MatchProposal is a candidate pairing awaiting mutual acceptance. Entries
// keeps each user's original queue entry so a declined user's partner can
// be re-queued at their original position.
type MatchProposal struct {
	ID              string                `json:"id"`
	Users           [2]string             `json:"users"`
	Status          string                `json:"status"`
	QuestionID      string                `json:"question_id"`
	Difficulty      string                `json:"difficulty"`
	Language        string                `json:"language"`
	Topics          []string              `json:"topics"`
	AcceptedUsers   []string              `json:"accepted_users"`
	SessionID       string                `json:"session_id,omitempty"`
	DecliningUserID string                `json:"declining_user_id,omitempty"`
	Entries         map[string]QueueEntry `json:"-"`
	CreatedAt       time.Time             `json:"created_at"`
}

func (p *MatchProposal) HasUser(userID string) bool {
	return p.Users[0] == userID || p.Users[1] == userID
}

// Other returns the partner of userID, or "" if userID is not part of the
// proposal.
func (p *MatchProposal) Other(userID string) string {
	switch userID {
	case p.Users[0]:
		return p.Users[1]
	case p.Users[1]:
		return p.Users[0]
	}
	return ""
}

// MatchOutcome is the archived result of a resolved proposal.
type MatchOutcome struct {
	MatchID         string    `json:"match_id"`
	User1           string    `json:"user1"`
	User2           string    `json:"user2"`
	QuestionID      string    `json:"question_id"`
	Difficulty      string    `json:"difficulty"`
	Language        string    `json:"language"`
	Topics          []string  `json:"topics"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	DecliningUserID string    `json:"declining_user_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ResolvedAt      time.Time `json:"resolved_at"`
}
