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

var convLog = logging.For("conversation")

// ConversationService manages conversations and their membership. Every
// membership change drops the cached audience here and is announced on the
// queue so other processes drop theirs.
type ConversationService interface {
	Create(ctx context.Context, userID string, req *models.CreateConversationRequest) (*models.ConversationSummary, error)
	List(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	Get(ctx context.Context, userID, conversationID string) (*models.ConversationSummary, error)
	AddMembers(ctx context.Context, userID, conversationID string, memberIDs []string) ([]string, error)
	// RemoveMember lets a member leave, or the creator of a group remove
	// someone else.
	RemoveMember(ctx context.Context, userID, conversationID, memberID string) error
}

type conversationService struct {
	db       *sqlx.DB
	convRepo repository.ConversationRepository
	userRepo repository.UserRepository
	tracker  *DeliveryTracker
	hub      ws.EventPublisher
	queue    queue.Queue

	queryTimeout time.Duration
}

func NewConversationService(
	db *sqlx.DB,
	convRepo repository.ConversationRepository,
	userRepo repository.UserRepository,
	tracker *DeliveryTracker,
	hub ws.EventPublisher,
	q queue.Queue,
	queryTimeout time.Duration,
) ConversationService {
	return &conversationService{
		db:           db,
		convRepo:     convRepo,
		userRepo:     userRepo,
		tracker:      tracker,
		hub:          hub,
		queue:        q,
		queryTimeout: queryTimeout,
	}
}

func (s *conversationService) Create(ctx context.Context, userID string, req *models.CreateConversationRequest) (*models.ConversationSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	others := dedupeExcluding(req.MemberIDs, userID)
	if len(others) == 0 {
		return nil, fmt.Errorf("%w: a conversation needs another member", pkg.ErrBadRequest)
	}
	if err := s.requireUsers(dbCtx, others); err != nil {
		return nil, err
	}

	// A direct conversation between two users is unique.
	if req.Kind == models.ConversationDirect {
		existing, err := s.convRepo.FindDirect(dbCtx, userID, others[0])
		if err == nil {
			return s.summary(dbCtx, userID, existing)
		}
		if !errors.Is(err, pkg.ErrNotFound) {
			return nil, err
		}
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		CreatedBy: userID,
		CreatedAt: time.Now().UTC(),
	}
	if req.Kind == models.ConversationGroup && req.Title != "" {
		conv.Title = &req.Title
	}
	members := append([]string{userID}, others...)

	err := database.WithTx(dbCtx, s.db, func(tx *sqlx.Tx) error {
		return repository.NewSQLConversationRepo(tx).Create(ctx, conv, members)
	})
	if err != nil {
		return nil, err
	}

	summary := &models.ConversationSummary{Conversation: *conv, MemberIDs: members}
	for _, id := range members {
		s.hub.PushToUser(id, ws.Event{Op: ws.OpConversationCreate, Data: summary})
	}

	convLog.Info().Str("conversation_id", conv.ID).Str("kind", string(conv.Kind)).Int("members", len(members)).Msg("conversation created")
	return summary, nil
}

func (s *conversationService) List(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	list, err := s.convRepo.ListForUser(dbCtx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	return list, nil
}

func (s *conversationService) Get(ctx context.Context, userID, conversationID string) (*models.ConversationSummary, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.requireMember(dbCtx, conversationID, userID); err != nil {
		return nil, err
	}
	conv, err := s.convRepo.GetByID(dbCtx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.summary(dbCtx, userID, conv)
}

func (s *conversationService) AddMembers(ctx context.Context, userID, conversationID string, memberIDs []string) ([]string, error) {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	conv, err := s.convRepo.GetByID(dbCtx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(dbCtx, conversationID, userID); err != nil {
		return nil, err
	}
	if conv.Kind != models.ConversationGroup {
		return nil, fmt.Errorf("%w: members can only be added to a group", pkg.ErrBadRequest)
	}

	ids := dedupeExcluding(memberIDs, userID)
	if len(ids) == 0 {
		return []string{}, nil
	}
	if err := s.requireUsers(dbCtx, ids); err != nil {
		return nil, err
	}

	added, err := s.convRepo.AddMembers(dbCtx, conversationID, ids, time.Now())
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return []string{}, nil
	}

	s.membershipChanged(ctx, models.MembershipChange{ConversationID: conversationID, Added: added}, nil)
	return added, nil
}

func (s *conversationService) RemoveMember(ctx context.Context, userID, conversationID, memberID string) error {
	dbCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	conv, err := s.convRepo.GetByID(dbCtx, conversationID)
	if err != nil {
		return err
	}
	if err := s.requireMember(dbCtx, conversationID, userID); err != nil {
		return err
	}
	if conv.Kind != models.ConversationGroup {
		return fmt.Errorf("%w: cannot leave a direct conversation", pkg.ErrBadRequest)
	}
	if memberID != userID && conv.CreatedBy != userID {
		return fmt.Errorf("%w: only the creator can remove other members", pkg.ErrForbidden)
	}

	removed, err := s.convRepo.RemoveMember(dbCtx, conversationID, memberID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: not a member", pkg.ErrNotFound)
	}

	// The removed user is no longer in the audience; tell them directly.
	s.membershipChanged(ctx, models.MembershipChange{ConversationID: conversationID, Removed: []string{memberID}}, []string{memberID})
	return nil
}

// membershipChanged drops the local audience, announces the change to other
// processes and pushes conversation_members to the current members plus
// extra.
func (s *conversationService) membershipChanged(ctx context.Context, change models.MembershipChange, extra []string) {
	s.hub.InvalidateAudience(change.ConversationID)

	publishCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.queue.PublishMembership(publishCtx, change); err != nil {
		convLog.Warn().Err(err).Str("conversation_id", change.ConversationID).Msg("failed to announce membership change")
	}

	event := ws.Event{Op: ws.OpConversationMembers, Data: change}
	if err := s.hub.PushToConversationMembers(ctx, change.ConversationID, event, ""); err != nil {
		convLog.Warn().Err(err).Str("conversation_id", change.ConversationID).Msg("failed to push membership change")
	}
	for _, id := range extra {
		s.hub.PushToUser(id, event)
	}
}

func (s *conversationService) summary(ctx context.Context, userID string, conv *models.Conversation) (*models.ConversationSummary, error) {
	members, err := s.convRepo.GetMemberIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	unread, err := s.tracker.UnreadCount(ctx, conv.ID, userID)
	if err != nil {
		return nil, err
	}
	return &models.ConversationSummary{Conversation: *conv, MemberIDs: members, UnreadCount: unread}, nil
}

func (s *conversationService) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.convRepo.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of this conversation", pkg.ErrForbidden)
	}
	return nil
}

func (s *conversationService) requireUsers(ctx context.Context, ids []string) error {
	n, err := s.userRepo.CountExisting(ctx, ids)
	if err != nil {
		return err
	}
	if n != len(ids) {
		return fmt.Errorf("%w: unknown user", pkg.ErrBadRequest)
	}
	return nil
}

// dedupeExcluding returns ids without duplicates, empty strings and self,
// keeping the first occurrence order.
func dedupeExcluding(ids []string, self string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == self || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
