package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/database/dbtest"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/metrics"
	"github.com/akinalp/parley/queue"
	"github.com/akinalp/parley/repository"
	"github.com/akinalp/parley/ws"
)

type push struct {
	target  string // user id, or "conv:<id>"
	exclude string
	event   ws.Event
}

// recordingHub stands in for the broadcaster.
type recordingHub struct {
	mu          sync.Mutex
	pushes      []push
	invalidated []string
}

func (h *recordingHub) PushToUser(userID string, event ws.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushes = append(h.pushes, push{target: userID, event: event})
}

func (h *recordingHub) PushToConversationMembers(_ context.Context, conversationID string, event ws.Event, exclude string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushes = append(h.pushes, push{target: "conv:" + conversationID, exclude: exclude, event: event})
	return nil
}

func (h *recordingHub) InvalidateAudience(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidated = append(h.invalidated, conversationID)
}

func (h *recordingHub) take() []push {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pushes
	h.pushes = nil
	return out
}

type recordingQueue struct {
	*queue.Local
	mu      sync.Mutex
	jobs    []queue.DeliveryJob
	changes []models.MembershipChange
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.DeliveryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) PublishMembership(_ context.Context, change models.MembershipChange) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.changes = append(q.changes, change)
	return nil
}

var errNoDeadline = errors.New("database call without a deadline")

// deadlineConvRepo refuses calls whose context carries no deadline and
// remembers the latest deadline it saw.
type deadlineConvRepo struct {
	repository.ConversationRepository

	mu   sync.Mutex
	last time.Time
}

func (r *deadlineConvRepo) check(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return errNoDeadline
	}
	r.mu.Lock()
	r.last = deadline
	r.mu.Unlock()
	return nil
}

func (r *deadlineConvRepo) lastDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *deadlineConvRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.ConversationRepository.GetByID(ctx, id)
}

func (r *deadlineConvRepo) FindDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.ConversationRepository.FindDirect(ctx, a, b)
}

func (r *deadlineConvRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.ConversationRepository.ListForUser(ctx, userID)
}

func (r *deadlineConvRepo) GetMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.ConversationRepository.GetMemberIDs(ctx, conversationID)
}

func (r *deadlineConvRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := r.check(ctx); err != nil {
		return false, err
	}
	return r.ConversationRepository.IsMember(ctx, conversationID, userID)
}

func (r *deadlineConvRepo) AddMembers(ctx context.Context, conversationID string, userIDs []string, at time.Time) ([]string, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.ConversationRepository.AddMembers(ctx, conversationID, userIDs, at)
}

func (r *deadlineConvRepo) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := r.check(ctx); err != nil {
		return false, err
	}
	return r.ConversationRepository.RemoveMember(ctx, conversationID, userID)
}

const fixtureQueryTimeout = 5 * time.Second

type messageFixture struct {
	svc     MessageService
	conv    ConversationService
	tracker *DeliveryTracker
	hub     *recordingHub
	queue   *recordingQueue
	repo    *deadlineConvRepo
	db      *database.DB
}

// newMessageFixture seeds s, x, y in group c1 (created by s) and an
// outsider o.
func newMessageFixture(t *testing.T) *messageFixture {
	t.Helper()
	db := dbtest.New(t)
	for _, u := range []string{"s", "x", "y", "o"} {
		dbtest.SeedUser(t, db, u)
	}
	dbtest.SeedConversation(t, db, "c1", "s", "x", "y")

	m := metrics.New()
	tracker := NewDeliveryTracker(db.Conn, m, 5*time.Second)
	hub := &recordingHub{}
	q := &recordingQueue{Local: queue.NewLocal(m)}
	convRepo := &deadlineConvRepo{ConversationRepository: repository.NewSQLConversationRepo(db.Conn)}

	return &messageFixture{
		svc:     NewMessageService(db.Conn, repository.NewSQLMessageRepo(db.Conn), convRepo, tracker, hub, q, fixtureQueryTimeout),
		conv:    NewConversationService(db.Conn, convRepo, repository.NewSQLUserRepo(db.Conn), tracker, hub, q, fixtureQueryTimeout),
		tracker: tracker,
		hub:     hub,
		queue:   q,
		repo:    convRepo,
		db:      db,
	}
}

func (f *messageFixture) send(t *testing.T, from, content string) *models.MessageWithReceipts {
	t.Helper()
	msg, err := f.svc.Send(context.Background(), from, "c1", &models.SendMessageRequest{Content: content})
	require.NoError(t, err)
	return msg
}

func TestMessageService_SendFansOutToConversation(t *testing.T) {
	f := newMessageFixture(t)

	msg := f.send(t, "s", "  hello  ")
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, models.ReadCount{Total: 2}, msg.Receipts)

	pushes := f.hub.take()
	require.Len(t, pushes, 1)
	assert.Equal(t, "conv:c1", pushes[0].target)
	assert.Equal(t, ws.OpMessageCreate, pushes[0].event.Op)

	require.Len(t, f.queue.jobs, 1)
	assert.ElementsMatch(t, []string{"x", "y"}, f.queue.jobs[0].RecipientIDs)

	for _, u := range []string{"x", "y"} {
		n, err := f.tracker.UnreadCount(context.Background(), "c1", u)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
}

func TestMessageService_OutsiderCannotSend(t *testing.T) {
	f := newMessageFixture(t)

	_, err := f.svc.Send(context.Background(), "o", "c1", &models.SendMessageRequest{Content: "hi"})
	assert.Equal(t, pkg.KindForbidden, pkg.KindOf(err))

	_, err = f.svc.Send(context.Background(), "s", "c1", &models.SendMessageRequest{Content: "   "})
	assert.Equal(t, pkg.KindBadRequest, pkg.KindOf(err))

	assert.Empty(t, f.hub.take())
	assert.Empty(t, f.queue.jobs)
}

func TestMessageService_ReceiptsGoToSenderOnly(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)
	msg := f.send(t, "s", "hello")
	f.hub.take()

	require.NoError(t, f.svc.AckDelivered(ctx, "x", msg.ID))
	require.NoError(t, f.svc.MarkRead(ctx, "x", msg.ID))
	require.NoError(t, f.svc.MarkRead(ctx, "x", msg.ID))
	require.NoError(t, f.svc.AckDelivered(ctx, "o", msg.ID), "not a recipient: nothing happens")

	pushes := f.hub.take()
	require.Len(t, pushes, 2, "replays push nothing")
	for _, p := range pushes {
		assert.Equal(t, "s", p.target)
	}
	assert.Equal(t, ws.OpMessageDelivered, pushes[0].event.Op)
	assert.Equal(t, ws.OpMessageRead, pushes[1].event.Op)

	receipt := pushes[1].event.Data.(ws.ReceiptData)
	assert.Equal(t, msg.ID, receipt.MessageID)
	assert.Equal(t, "x", receipt.RecipientID)

	page, err := f.svc.List(ctx, "y", "c1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, models.ReadCount{Total: 2, Read: 1}, page[0].Receipts)
}

func TestMessageService_MarkConversationRead(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)
	m1 := f.send(t, "s", "one")
	m2 := f.send(t, "x", "two")
	f.hub.take()

	require.NoError(t, f.svc.MarkConversationRead(ctx, "y", "c1"))

	byTarget := map[string]ws.ConversationReadData{}
	for _, p := range f.hub.take() {
		require.Equal(t, ws.OpConversationRead, p.event.Op)
		byTarget[p.target] = p.event.Data.(ws.ConversationReadData)
	}
	require.Len(t, byTarget, 2)
	assert.Equal(t, []string{m1.ID}, byTarget["s"].MessageIDs)
	assert.Equal(t, []string{m2.ID}, byTarget["x"].MessageIDs)

	n, err := f.tracker.UnreadCount(ctx, "c1", "y")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.svc.MarkConversationRead(ctx, "y", "c1"))
	assert.Empty(t, f.hub.take(), "second bulk read changes nothing")

	err = f.svc.MarkConversationRead(ctx, "o", "c1")
	assert.Equal(t, pkg.KindForbidden, pkg.KindOf(err))
}

func TestMessageService_DeleteRederivesCounters(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)
	msg := f.send(t, "s", "oops")
	f.send(t, "s", "keep")

	err := f.svc.Delete(ctx, "x", msg.ID)
	assert.Equal(t, pkg.KindForbidden, pkg.KindOf(err))

	require.NoError(t, f.svc.Delete(ctx, "s", msg.ID))
	n, err := f.tracker.UnreadCount(ctx, "c1", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A job for the deleted message delivers nothing.
	f.hub.take()
	require.NoError(t, f.svc.Redeliver(ctx, queue.DeliveryJob{MessageID: msg.ID, RecipientIDs: []string{"x"}}))
	assert.Empty(t, f.hub.take())
}

func TestMessageService_EditByAuthor(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)
	msg := f.send(t, "s", "draft")
	f.hub.take()

	edited, err := f.svc.Edit(ctx, "s", msg.ID, &models.EditMessageRequest{Content: "final"})
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)

	pushes := f.hub.take()
	require.Len(t, pushes, 1)
	assert.Equal(t, ws.OpMessageUpdate, pushes[0].event.Op)

	_, err = f.svc.Edit(ctx, "x", msg.ID, &models.EditMessageRequest{Content: "hijack"})
	assert.Equal(t, pkg.KindForbidden, pkg.KindOf(err))
}

func TestConversationService_MembershipChangesInvalidateAudience(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	added, err := f.conv.AddMembers(ctx, "x", "c1", []string{"o", "o", "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"o"}, added)
	assert.Equal(t, []string{"c1"}, f.hub.invalidated)
	require.Len(t, f.queue.changes, 1)
	assert.Equal(t, []string{"o"}, f.queue.changes[0].Added)

	again, err := f.conv.AddMembers(ctx, "x", "c1", []string{"o"})
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, f.hub.invalidated, 1, "no change, no invalidation")

	err = f.conv.RemoveMember(ctx, "x", "c1", "o")
	assert.Equal(t, pkg.KindForbidden, pkg.KindOf(err), "only the creator removes others")

	require.NoError(t, f.conv.RemoveMember(ctx, "o", "c1", "o"))
	assert.Len(t, f.hub.invalidated, 2)

	_, err = f.svc.Send(ctx, "o", "c1", &models.SendMessageRequest{Content: "still here?"})
	assert.Equal(t, pkg.KindForbidden, pkg.KindOf(err))
}

func TestConversationService_DirectIsUnique(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	req := func() *models.CreateConversationRequest {
		return &models.CreateConversationRequest{Kind: models.ConversationDirect, MemberIDs: []string{"o"}}
	}
	first, err := f.conv.Create(ctx, "s", req())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s", "o"}, first.MemberIDs)

	second, err := f.conv.Create(ctx, "s", req())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.conv.Create(ctx, "s", &models.CreateConversationRequest{Kind: models.ConversationDirect, MemberIDs: []string{"ghost"}})
	assert.Equal(t, pkg.KindBadRequest, pkg.KindOf(err))
}

func TestMessageService_DatabaseCallsCarryQueryTimeout(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	start := time.Now()
	f.send(t, "s", "hi")
	assert.WithinDuration(t, start.Add(fixtureQueryTimeout), f.repo.lastDeadline(), time.Second)

	_, err := f.svc.List(ctx, "x", "c1", time.Time{}, 0)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkConversationRead(ctx, "x", "c1"))

	_, err = f.conv.Get(ctx, "s", "c1")
	require.NoError(t, err)
	_, err = f.conv.List(ctx, "s")
	require.NoError(t, err)
	_, err = f.conv.AddMembers(ctx, "s", "c1", []string{"o"})
	require.NoError(t, err)
	require.NoError(t, f.conv.RemoveMember(ctx, "s", "c1", "o"))
	_, err = f.conv.Create(ctx, "x", &models.CreateConversationRequest{Kind: models.ConversationDirect, MemberIDs: []string{"y"}})
	require.NoError(t, err)
}

func TestMessageService_ConcurrentSendsAndDeletesKeepCountersExact(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	var doomed []string
	for i := 0; i < 5; i++ {
		doomed = append(doomed, f.send(t, "s", "old").ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 15)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Send(ctx, "s", "c1", &models.SendMessageRequest{Content: "new"})
			errs <- err
		}()
	}
	for _, id := range doomed {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- f.svc.Delete(ctx, "s", id)
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, u := range []string{"x", "y"} {
		n, err := f.tracker.UnreadCount(ctx, "c1", u)
		require.NoError(t, err)
		assert.Equal(t, 10, n, "counter of %s matches its pending records", u)
	}
}
