package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codematch-backend/internal/clients"
	"codematch-backend/internal/logger"
	"codematch-backend/internal/storage"
)

// ErrNotParticipant is returned when a user sends an intent for a match
// they are not part of.
var ErrNotParticipant = errors.New("user is not part of this match")

// Searcher runs a match search for a (re-)queued user. Implemented by
// queue.Finder.
type Searcher interface {
	FindMatch(ctx context.Context, candidate storage.QueueEntry) (*storage.MatchProposal, error)
}

// QueueService is the slice of the queue manager the lifecycle needs for
// compensating re-queues and timeout cleanup. Implemented by queue.Manager.
type QueueService interface {
	Join(ctx context.Context, entry storage.QueueEntry) error
	Leave(ctx context.Context, userID string) error
}

// SessionService creates and tears down collaboration sessions.
type SessionService interface {
	Create(ctx context.Context, req clients.CreateSessionRequest) (string, error)
	Delete(ctx context.Context, sessionID string) error
}

// Armer schedules the acceptance deadline for a proposal.
type Armer interface {
	Arm(matchID string) error
}

// Lifecycle owns every write to a proposal's status. Each transition is a
// compare-and-set against the store, so whichever of accept, decline or
// timeout lands first wins and the others become no-ops.
type Lifecycle struct {
	storage      *storage.Storage
	queue        QueueService
	finder       Searcher
	sessions     SessionService
	notifier     Notifier
	scheduler    Armer
	acceptWindow time.Duration
	proposalTTL  time.Duration
}

func NewLifecycle(
	st *storage.Storage,
	queue QueueService,
	finder Searcher,
	sessions SessionService,
	notifier Notifier,
	scheduler Armer,
	acceptWindow, proposalTTL time.Duration,
) *Lifecycle {
	return &Lifecycle{
		storage:      st,
		queue:        queue,
		finder:       finder,
		sessions:     sessions,
		notifier:     notifier,
		scheduler:    scheduler,
		acceptWindow: acceptWindow,
		proposalTTL:  proposalTTL,
	}
}

// HandleFound announces a freshly created proposal to both users and arms
// its acceptance deadline.
func (l *Lifecycle) HandleFound(ctx context.Context, p *storage.MatchProposal) error {
	l.notifyBoth(ctx, p, EventMatchFound, map[string]interface{}{
		"matchId":             p.ID,
		"users":               p.Users,
		"questionId":          p.QuestionID,
		"difficulty":          p.Difficulty,
		"language":            p.Language,
		"topics":              p.Topics,
		"acceptWindowSeconds": int(l.acceptWindow / time.Second),
	})

	if err := l.scheduler.Arm(p.ID); err != nil {
		// The proposal TTL still bounds the record; without the deadline
		// task the match can only resolve by accept or decline.
		logger.Error("failed to arm acceptance deadline", "matchId", p.ID, "error", err)
		return err
	}
	return nil
}

// Accept records one user's acceptance. Idempotent: repeating an accept
// re-broadcasts the current count and nothing else. When both users have
// accepted, the external session is created and the proposal resolves.
func (l *Lifecycle) Accept(ctx context.Context, matchID, userID string) error {
	p, err := l.storage.Redis.GetProposal(ctx, matchID)
	if err != nil {
		return err
	}
	if !p.HasUser(userID) {
		return ErrNotParticipant
	}

	count, err := l.storage.Redis.AddAcceptance(ctx, matchID, userID, l.proposalTTL)
	if err != nil {
		return fmt.Errorf("recording acceptance: %w", err)
	}
	if count < 0 {
		// Already resolved; the terminal broadcast has been sent.
		logger.Info("accept on resolved match ignored", "matchId", matchID, "userId", userID)
		return nil
	}

	l.notifyBoth(ctx, p, EventMatchAcceptanceUpdate, map[string]interface{}{
		"matchId":  matchID,
		"accepted": count,
		"total":    2,
	})

	if count < 2 {
		return nil
	}
	return l.completeAccepted(ctx, p)
}

// completeAccepted runs after the second acceptance: create the session,
// then try to commit pending -> accepted.
func (l *Lifecycle) completeAccepted(ctx context.Context, p *storage.MatchProposal) error {
	sessionID, err := l.sessions.Create(ctx, clients.CreateSessionRequest{
		Participants: p.Users[:],
		QuestionID:   p.QuestionID,
		Difficulty:   p.Difficulty,
		Topics:       p.Topics,
		Language:     p.Language,
	})
	if err != nil {
		logger.Error("session creation failed, abandoning match",
			"matchId", p.ID, "error", err)
		won, terr := l.storage.Redis.TransitionStatus(ctx, p.ID,
			storage.MatchPending, storage.MatchDeclined,
			map[string]string{"reason": storage.ReasonSessionFailed})
		if terr != nil {
			return terr
		}
		if won {
			// Match-fatal, service-non-fatal: nobody is re-queued here.
			l.finalize(ctx, p, storage.MatchDeclined, storage.ReasonSessionFailed, "", "")
			l.notifyBoth(ctx, p, EventMatchDeclined, map[string]interface{}{
				"matchId": p.ID,
				"reason":  storage.ReasonSessionFailed,
			})
		}
		return nil
	}

	won, err := l.storage.Redis.TransitionStatus(ctx, p.ID,
		storage.MatchPending, storage.MatchAccepted,
		map[string]string{"session_id": sessionID})
	if err != nil {
		return err
	}
	if !won {
		// A timeout or decline landed between session creation and the
		// commit: the session must not outlive the match.
		logger.Warn("lost acceptance race, deleting session",
			"matchId", p.ID, "sessionId", sessionID)
		if derr := l.sessions.Delete(ctx, sessionID); derr != nil {
			logger.Error("compensating session delete failed",
				"matchId", p.ID, "sessionId", sessionID, "error", derr)
		}
		return nil
	}

	logger.Info("match accepted", "matchId", p.ID, "sessionId", sessionID)
	l.finalize(ctx, p, storage.MatchAccepted, "", "", sessionID)
	l.notifyBoth(ctx, p, EventMatchAccepted, map[string]interface{}{
		"matchId":    p.ID,
		"sessionId":  sessionID,
		"users":      p.Users,
		"questionId": p.QuestionID,
		"difficulty": p.Difficulty,
		"language":   p.Language,
		"topics":     p.Topics,
	})
	return nil
}

// Decline resolves the match against the declining user. The partner is
// re-queued at their original position and a new search runs for them
// immediately. Loses silently to a timeout that was processed first.
func (l *Lifecycle) Decline(ctx context.Context, matchID, userID string) error {
	p, err := l.storage.Redis.GetProposal(ctx, matchID)
	if err != nil {
		return err
	}
	if !p.HasUser(userID) {
		return ErrNotParticipant
	}

	won, err := l.storage.Redis.TransitionStatus(ctx, matchID,
		storage.MatchPending, storage.MatchDeclined,
		map[string]string{
			"declining_user_id": userID,
			"reason":            storage.ReasonManualDecline,
		})
	if err != nil {
		return fmt.Errorf("declining match: %w", err)
	}
	if !won {
		logger.Info("decline on resolved match ignored", "matchId", matchID, "userId", userID)
		return nil
	}

	// A session only exists once the status is accepted, which the CAS just
	// ruled out; this covers a record written by an older version.
	if p.SessionID != "" {
		if derr := l.sessions.Delete(ctx, p.SessionID); derr != nil {
			logger.Error("compensating session delete failed",
				"matchId", matchID, "sessionId", p.SessionID, "error", derr)
		}
	}

	logger.Info("match declined", "matchId", matchID, "decliningUserId", userID)
	l.finalize(ctx, p, storage.MatchDeclined, storage.ReasonManualDecline, userID, "")
	l.notifyBoth(ctx, p, EventMatchDeclined, map[string]interface{}{
		"matchId":         matchID,
		"reason":          storage.ReasonManualDecline,
		"decliningUserId": userID,
	})

	l.requeuePartner(ctx, p, p.Other(userID))
	return nil
}

// requeuePartner puts the non-declining user back with their original join
// time and immediately re-runs the finder for them.
func (l *Lifecycle) requeuePartner(ctx context.Context, p *storage.MatchProposal, partnerID string) {
	entry, ok := p.Entries[partnerID]
	if !ok {
		logger.Warn("no queue snapshot for partner, cannot re-queue",
			"matchId", p.ID, "userId", partnerID)
		return
	}

	if err := l.queue.Join(ctx, entry); err != nil {
		logger.Error("failed to re-queue partner", "matchId", p.ID,
			"userId", partnerID, "error", err)
		return
	}

	next, err := l.finder.FindMatch(ctx, entry)
	if err != nil {
		logger.Error("cascading match search failed", "userId", partnerID, "error", err)
		return
	}
	if next != nil {
		if err := l.HandleFound(ctx, next); err != nil {
			logger.Error("announcing cascaded match failed", "matchId", next.ID, "error", err)
		}
	}
}

// Timeout resolves a match whose acceptance window elapsed. Neither user is
// re-queued: a timed-out pair is assumed to include an unresponsive party.
func (l *Lifecycle) Timeout(ctx context.Context, matchID string) error {
	p, err := l.storage.Redis.GetProposal(ctx, matchID)
	if errors.Is(err, storage.ErrMatchNotFound) {
		// Record already expired; nothing left to resolve.
		return nil
	}
	if err != nil {
		return err
	}

	won, err := l.storage.Redis.TransitionStatus(ctx, matchID,
		storage.MatchPending, storage.MatchTimeout,
		map[string]string{"reason": storage.ReasonTimeout})
	if err != nil {
		return fmt.Errorf("timing out match: %w", err)
	}
	if !won {
		return nil
	}

	if p.SessionID != "" {
		if derr := l.sessions.Delete(ctx, p.SessionID); derr != nil {
			logger.Error("compensating session delete failed",
				"matchId", matchID, "sessionId", p.SessionID, "error", derr)
		}
	}

	for _, userID := range p.Users {
		if err := l.queue.Leave(ctx, userID); err != nil {
			logger.Error("failed to clear queue entry on timeout",
				"matchId", matchID, "userId", userID, "error", err)
		}
	}

	logger.Info("match timed out", "matchId", matchID, "users", p.Users)
	l.finalize(ctx, p, storage.MatchTimeout, storage.ReasonTimeout, "", "")
	l.notifyBoth(ctx, p, EventMatchDeclined, map[string]interface{}{
		"matchId": matchID,
		"reason":  storage.ReasonTimeout,
	})
	return nil
}

// Run consumes timeout signals from the bus until ctx is cancelled. The
// scheduler only publishes the signal; this keeps the lifecycle the single
// writer of match status.
func (l *Lifecycle) Run(ctx context.Context) {
	pubsub := l.storage.Redis.SubscribeTimeouts(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := l.Timeout(ctx, msg.Payload); err != nil {
				logger.Error("processing timeout signal failed",
					"matchId", msg.Payload, "error", err)
			}
		}
	}
}

func (l *Lifecycle) notifyBoth(ctx context.Context, p *storage.MatchProposal, event string, data map[string]interface{}) {
	for _, userID := range p.Users {
		if err := l.notifier.NotifyUser(ctx, userID, event, data); err != nil {
			logger.Error("event delivery failed",
				"userId", userID, "event", event, "matchId", p.ID, "error", err)
		}
	}
}

// finalize clears the per-user pending indexes and archives the outcome.
// Archive failures are logged only; the transition already happened.
func (l *Lifecycle) finalize(ctx context.Context, p *storage.MatchProposal, status, reason, decliningUserID, sessionID string) {
	if err := l.storage.Redis.ClearPendingUsers(ctx, p.Users[0], p.Users[1]); err != nil {
		logger.Error("clearing pending indexes failed", "matchId", p.ID, "error", err)
	}

	if l.storage.DB == nil {
		return
	}
	outcome := &storage.MatchOutcome{
		MatchID:         p.ID,
		User1:           p.Users[0],
		User2:           p.Users[1],
		QuestionID:      p.QuestionID,
		Difficulty:      p.Difficulty,
		Language:        p.Language,
		Topics:          p.Topics,
		Status:          status,
		Reason:          reason,
		DecliningUserID: decliningUserID,
		SessionID:       sessionID,
		CreatedAt:       p.CreatedAt,
		ResolvedAt:      time.Now().UTC(),
	}
	if err := l.storage.DB.InsertMatchOutcome(ctx, outcome); err != nil {
		logger.Error("archiving match outcome failed", "matchId", p.ID, "error", err)
	}
}
