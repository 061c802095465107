package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/queue"
	"github.com/akinalp/parley/repository"
	"github.com/akinalp/parley/ws"
)

var messageLog = logging.For("message")

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// MessageService sends and lists messages and applies receipts. It also
// implements ws.ReceiptHandler.
type MessageService interface {
	Send(ctx context.Context, userID, conversationID string, req *models.SendMessageRequest) (*models.MessageWithReceipts, error)
	List(ctx context.Context, userID, conversationID string, before time.Time, limit int) ([]models.MessageWithReceipts, error)
	Edit(ctx context.Context, userID, messageID string, req *models.EditMessageRequest) (*models.Message, error)
	Delete(ctx context.Context, userID, messageID string) error

	AckDelivered(ctx context.Context, userID, messageID string) error
	MarkRead(ctx context.Context, userID, messageID string) error
	MarkConversationRead(ctx context.Context, userID, conversationID string) error

	// Redeliver pushes a job published by another process to the
	// connections held here.
	Redeliver(ctx context.Context, job queue.DeliveryJob) error
}

type messageService struct {
	db          *sqlx.DB
	messageRepo repository.MessageRepository
	convRepo    repository.ConversationRepository
	tracker     *DeliveryTracker
	hub         ws.EventPublisher
	queue       queue.Queue

	// queryTimeout bounds the database work of one call.
	queryTimeout time.Duration
}

func NewMessageService(
	db *sqlx.DB,
	messageRepo repository.MessageRepository,
	convRepo repository.ConversationRepository,
	tracker *DeliveryTracker,
	hub ws.EventPublisher,
	q queue.Queue,
	queryTimeout time.Duration,
) MessageService {
	return &messageService{
		db:           db,
		messageRepo:  messageRepo,
		convRepo:     convRepo,
		tracker:      tracker,
		hub:          hub,
		queue:        q,
		queryTimeout: queryTimeout,
	}
}

// Send stores the message and one pending record per recipient in a single
// transaction, then pushes message_create to the members' connections here
// and enqueues a job for the other processes.
//
// The sender's own devices receive message_create too; clients dedupe by id.
func (s *messageService) Send(ctx context.Context, userID, conversationID string, req *models.SendMessageRequest) (*models.MessageWithReceipts, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	members, err := s.convRepo.GetMemberIDs(dbCtx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, userID) {
		return nil, fmt.Errorf("%w: not a member of this conversation", pkg.ErrForbidden)
	}
	recipients := make([]string, 0, len(members)-1)
	for _, id := range members {
		if id != userID {
			recipients = append(recipients, id)
		}
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}

	err = database.WithTx(dbCtx, s.db, func(tx *sqlx.Tx) error {
		if err := repository.NewSQLMessageRepo(tx).Create(dbCtx, msg); err != nil {
			return err
		}
		return s.tracker.RecordPending(dbCtx, tx, msg.ID, conversationID, recipients)
	})
	if err != nil {
		return nil, err
	}

	if err := s.hub.PushToConversationMembers(ctx, conversationID, ws.Event{Op: ws.OpMessageCreate, Data: msg}, ""); err != nil {
		messageLog.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to push message_create")
	}

	// The message is stored; a queue failure only delays remote pushes until
	// the recipients fetch history.
	job := queue.DeliveryJob{MessageID: msg.ID, ConversationID: conversationID, RecipientIDs: recipients}
	enqueueCtx, cancelEnqueue := context.WithTimeout(ctx, s.queryTimeout)
	defer cancelEnqueue()
	if err := s.queue.Enqueue(enqueueCtx, job); err != nil {
		messageLog.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to enqueue delivery job")
	}

	return &models.MessageWithReceipts{
		Message:  *msg,
		Receipts: models.ReadCount{Total: len(recipients)},
	}, nil
}

func (s *messageService) List(ctx context.Context, userID, conversationID string, before time.Time, limit int) ([]models.MessageWithReceipts, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.requireMember(dbCtx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages, err := s.messageRepo.ListByConversation(dbCtx, conversationID, before, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	counts, err := s.tracker.ReadCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	reactions, err := repository.NewSQLReactionRepo(s.db).ListByMessages(dbCtx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.MessageWithReceipts, len(messages))
	for i, m := range messages {
		out[i] = models.MessageWithReceipts{Message: m, Receipts: counts[m.ID], Reactions: reactions[m.ID]}
	}
	return out, nil
}

func (s *messageService) Edit(ctx context.Context, userID, messageID string, req *models.EditMessageRequest) (*models.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	msg, err := s.ownMessage(dbCtx, userID, messageID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.messageRepo.UpdateContent(dbCtx, messageID, req.Content, now); err != nil {
		return nil, err
	}
	msg.Content = req.Content
	msg.EditedAt = &now

	if err := s.hub.PushToConversationMembers(ctx, msg.ConversationID, ws.Event{Op: ws.OpMessageUpdate, Data: msg}, ""); err != nil {
		messageLog.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to push message_update")
	}
	return msg, nil
}

// Delete removes the message with its delivery records and re-derives the
// unread counters of the conversation in the same transaction.
func (s *messageService) Delete(ctx context.Context, userID, messageID string) error {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	msg, err := s.ownMessage(dbCtx, userID, messageID)
	if err != nil {
		return err
	}

	err = database.WithTx(dbCtx, s.db, func(tx *sqlx.Tx) error {
		if err := repository.NewSQLMessageRepo(tx).Delete(dbCtx, messageID); err != nil {
			return err
		}
		return s.tracker.RederiveConversation(dbCtx, tx, msg.ConversationID)
	})
	if err != nil {
		return err
	}

	event := ws.Event{Op: ws.OpMessageDelete, Data: ws.MessageDeleteData{ID: msg.ID, ConversationID: msg.ConversationID}}
	if err := s.hub.PushToConversationMembers(ctx, msg.ConversationID, event, ""); err != nil {
		messageLog.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to push message_delete")
	}
	return nil
}

// ─── Receipts ───

// AckDelivered applies a delivery ack from userID and tells the sender. A
// replayed ack, or one for a message userID did not receive, changes
// nothing.
func (s *messageService) AckDelivered(ctx context.Context, userID, messageID string) error {
	tr, err := s.tracker.MarkDelivered(ctx, messageID, userID)
	if err != nil || tr == nil {
		return err
	}
	s.hub.PushToUser(tr.SenderID, ws.Event{Op: ws.OpMessageDelivered, Data: ws.ReceiptFromTransition(tr)})
	return nil
}

func (s *messageService) MarkRead(ctx context.Context, userID, messageID string) error {
	tr, err := s.tracker.MarkRead(ctx, messageID, userID)
	if err != nil || tr == nil {
		return err
	}
	s.hub.PushToUser(tr.SenderID, ws.Event{Op: ws.OpMessageRead, Data: ws.ReceiptFromTransition(tr)})
	return nil
}

// MarkConversationRead marks everything userID has in the conversation read
// and tells each sender which of their messages changed.
func (s *messageService) MarkConversationRead(ctx context.Context, userID, conversationID string) error {
	memberCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	err := s.requireMember(memberCtx, conversationID, userID)
	cancel()
	if err != nil {
		return err
	}

	result, err := s.tracker.BulkMarkRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}

	for senderID, ids := range result.BySender {
		s.hub.PushToUser(senderID, ws.Event{
			Op: ws.OpConversationRead,
			Data: ws.ConversationReadData{
				ConversationID: conversationID,
				ReaderID:       userID,
				MessageIDs:     ids,
				At:             result.At,
			},
		})
	}
	return nil
}

// ─── Cross-process delivery ───

func (s *messageService) Redeliver(ctx context.Context, job queue.DeliveryJob) error {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	msg, err := s.messageRepo.GetByID(dbCtx, job.MessageID)
	cancel()
	if errors.Is(err, pkg.ErrNotFound) {
		// Deleted since; nothing to deliver.
		return nil
	}
	if err != nil {
		return err
	}

	event := ws.Event{Op: ws.OpMessageCreate, Data: msg}
	s.hub.PushToUser(msg.SenderID, event)
	for _, id := range job.RecipientIDs {
		s.hub.PushToUser(id, event)
	}
	return nil
}

// ─── Helpers ───

func (s *messageService) ownMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, fmt.Errorf("%w: only the author can change a message", pkg.ErrForbidden)
	}
	return msg, nil
}

func (s *messageService) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.convRepo.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of this conversation", pkg.ErrForbidden)
	}
	return nil
}
