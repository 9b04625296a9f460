package messagebus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealcoord/internal/domain"
	"dealcoord/internal/messaging/inproc"
	"dealcoord/internal/store/sqlite"
)

func newTestService(t *testing.T) (*Service, *inproc.Bus) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	observers := inproc.New(16)
	svc := New(store, observers, Config{Now: func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}}, nil)
	return svc, observers
}

func TestPendingDeliversCriticalBeforeOlderNormal(t *testing.T) {
	ctx := context.Background()
	svc, observers := newTestService(t)
	events := observers.Subscribe("legal-watch", "legal")

	normalID, err := svc.Send(ctx, SendInput{CaseID: "deal-1", From: "financial", To: "legal", Type: domain.MessageTypeRequestAnalysis, Subject: "check covenants"})
	require.NoError(t, err)
	criticalID, err := svc.Send(ctx, SendInput{CaseID: "deal-1", From: "compliance", To: "legal", Type: domain.MessageTypeEscalation, Priority: domain.PriorityCritical, Subject: "sanctions hit"})
	require.NoError(t, err)

	pending, err := svc.Pending(ctx, "legal", "", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, criticalID, pending[0].ID)
	assert.Equal(t, normalID, pending[1].ID)
	assert.Equal(t, domain.PriorityNormal, pending[1].Priority)
	assert.JSONEq(t, `{}`, string(pending[1].Payload))

	require.Len(t, events, 2)
	evt := <-events
	assert.Equal(t, domain.EventMessageSent, evt.Kind)
	assert.Equal(t, normalID, evt.RefID)
}

func TestDeliveredMessagesStayRetrievableUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	id, err := svc.Send(ctx, SendInput{CaseID: "deal-1", From: "a", To: "b", Type: domain.MessageTypeProvideContext})
	require.NoError(t, err)
	require.NoError(t, svc.MarkDelivered(ctx, id))

	pending, err := svc.Pending(ctx, "b", "deal-1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.MessageStatusDelivered, pending[0].Status)

	require.NoError(t, svc.Acknowledge(ctx, id, json.RawMessage(`{"seen":true}`)))
	pending, err = svc.Pending(ctx, "b", "deal-1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.ErrorIs(t, svc.MarkDelivered(ctx, id), domain.ErrInvalidTransition)
	require.NoError(t, svc.Complete(ctx, id, nil))
	require.ErrorIs(t, svc.Abandon(ctx, id, "late"), domain.ErrInvalidTransition)

	msg, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusProcessed, msg.Status)
	assert.JSONEq(t, `{"seen":true}`, string(msg.Response))
}

func TestSendRejectsUnknownTypeAndPriority(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Send(ctx, SendInput{CaseID: "deal-1", From: "a", To: "b", Type: "gossip"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Send(ctx, SendInput{CaseID: "deal-1", From: "a", To: "b", Type: domain.MessageTypeEscalation, Priority: "urgent"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Send(ctx, SendInput{CaseID: "deal-1", From: "a", Type: domain.MessageTypeEscalation})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReplyThreadsConversation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	reqID, err := svc.Send(ctx, SendInput{CaseID: "deal-1", From: "legal", To: "financial", Type: domain.MessageTypeRequestAnalysis, Priority: domain.PriorityHigh})
	require.NoError(t, err)
	replyID, err := svc.Reply(ctx, reqID, "", domain.MessageTypeProvideContext, "numbers", json.RawMessage(`{"ebitda":12}`))
	require.NoError(t, err)

	reply, err := svc.Get(ctx, replyID)
	require.NoError(t, err)
	assert.Equal(t, "financial", reply.FromAgent)
	assert.Equal(t, "legal", reply.ToAgent)
	assert.Equal(t, reqID, reply.CorrelationID)
	assert.Equal(t, domain.PriorityHigh, reply.Priority)

	thread, err := svc.Conversation(ctx, reqID, 0)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, reqID, thread[0].ID)
	assert.Equal(t, replyID, thread[1].ID)

	found, err := svc.Search(ctx, domain.MessageFilter{CaseID: "deal-1", FromAgent: "financial"}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, replyID, found[0].ID)
}
