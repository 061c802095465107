package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/repository"
	"github.com/akinalp/parley/ws"
)

var reactionLog = logging.For("reaction")

// ReactionService toggles emoji reactions on messages. Only members of the
// message's conversation may react or see reactions.
type ReactionService interface {
	// Toggle adds the reaction, or removes it if userID already reacted
	// with that emoji, and pushes reaction_update to the conversation.
	Toggle(ctx context.Context, userID, messageID string, req *models.ReactionRequest) (*ws.ReactionUpdateData, error)
	List(ctx context.Context, userID, messageID string) ([]models.ReactionGroup, error)
}

type reactionService struct {
	db           *sqlx.DB
	reactionRepo repository.ReactionRepository
	messageRepo  repository.MessageRepository
	convRepo     repository.ConversationRepository
	hub          ws.EventPublisher
	queryTimeout time.Duration
}

func NewReactionService(
	db *sqlx.DB,
	reactionRepo repository.ReactionRepository,
	messageRepo repository.MessageRepository,
	convRepo repository.ConversationRepository,
	hub ws.EventPublisher,
	queryTimeout time.Duration,
) ReactionService {
	return &reactionService{
		db:           db,
		reactionRepo: reactionRepo,
		messageRepo:  messageRepo,
		convRepo:     convRepo,
		hub:          hub,
		queryTimeout: queryTimeout,
	}
}

func (s *reactionService) Toggle(ctx context.Context, userID, messageID string, req *models.ReactionRequest) (*ws.ReactionUpdateData, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	msg, err := s.visibleMessage(dbCtx, userID, messageID)
	if err != nil {
		return nil, err
	}

	update := &ws.ReactionUpdateData{
		MessageID:       msg.ID,
		ConversationID:  msg.ConversationID,
		ActorID:         userID,
		MessageAuthorID: msg.SenderID,
	}
	// The list is read in the same transaction so the pushed state includes
	// this toggle and nothing later.
	err = database.WithTx(dbCtx, s.db, func(tx *sqlx.Tx) error {
		repo := repository.NewSQLReactionRepo(tx)
		added, err := repo.Toggle(dbCtx, msg.ID, userID, req.Emoji, time.Now())
		if err != nil {
			return err
		}
		update.Added = added
		update.Reactions, err = repo.ListByMessage(dbCtx, msg.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	event := ws.Event{Op: ws.OpReactionUpdate, Data: update}
	if err := s.hub.PushToConversationMembers(ctx, msg.ConversationID, event, ""); err != nil {
		reactionLog.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to push reaction_update")
	}
	return update, nil
}

func (s *reactionService) List(ctx context.Context, userID, messageID string) ([]models.ReactionGroup, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.visibleMessage(dbCtx, userID, messageID); err != nil {
		return nil, err
	}
	return s.reactionRepo.ListByMessage(dbCtx, messageID)
}

// visibleMessage loads the message if userID is a member of its
// conversation. Outsiders get not found, not forbidden, so message ids
// cannot be enumerated.
func (s *reactionService) visibleMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := s.convRepo.IsMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: message not found", pkg.ErrNotFound)
	}
	return msg, nil
}
