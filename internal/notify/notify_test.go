package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealcoord/internal/domain"
)

type recordingSink struct {
	got  []domain.Notification
	fail error
}

func (r *recordingSink) Notify(_ context.Context, n domain.Notification) error {
	r.got = append(r.got, n)
	return r.fail
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{fail: errors.New("smtp down")}
	d := NewDispatcher(sink, nil, log.New(&buf, "", 0))

	d.Notify(context.Background(), domain.Notification{Recipient: "pat", Kind: domain.NotifyRedFlag})
	d.Audit(context.Background(), domain.AuditEntry{ActionType: "noop"})

	require.Len(t, sink.got, 1)
	assert.NotEmpty(t, sink.got[0].ID)
	assert.Equal(t, domain.PriorityNormal, sink.got[0].Priority)
	assert.False(t, sink.got[0].CreatedAt.IsZero())
	assert.Contains(t, buf.String(), "smtp down")
}

func TestLimitedDropsOverBudgetButNotCritical(t *testing.T) {
	sink := &recordingSink{}
	limited := NewLimited(sink, 0, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := limited.Notify(ctx, domain.Notification{Recipient: "pat", Priority: domain.PriorityNormal})
		if i < 2 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrRateLimited)
		}
	}
	require.NoError(t, limited.Notify(ctx, domain.Notification{Recipient: "pat", Priority: domain.PriorityCritical}))
	require.NoError(t, limited.Notify(ctx, domain.Notification{Recipient: "sam", Priority: domain.PriorityLow}))
	assert.Len(t, sink.got, 4)
}

func TestLimitedKeepsRecipientMapBounded(t *testing.T) {
	ctx := context.Background()

	busy := NewLimited(&recordingSink{}, 0, 1).WithMaxRecipients(2)
	for _, who := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, busy.Notify(ctx, domain.Notification{Recipient: who}))
		assert.LessOrEqual(t, len(busy.limiters), 2)
	}
	require.ErrorIs(t, busy.Notify(ctx, domain.Notification{Recipient: "e"}), ErrRateLimited,
		"the newest recipient keeps its spent budget")

	idle := NewLimited(&recordingSink{}, 1e9, 1).WithMaxRecipients(3)
	for i := 0; i < 50; i++ {
		require.NoError(t, idle.Notify(ctx, domain.Notification{Recipient: fmt.Sprintf("r-%d", i)}))
	}
	assert.LessOrEqual(t, len(idle.limiters), 3)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{fail: errors.New("boom")}
	err := Fanout{ok, bad}.Notify(context.Background(), domain.Notification{Recipient: "x"})
	require.Error(t, err)
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}
