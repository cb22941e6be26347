package hub

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/palisade-social/palisade/models"
	"github.com/palisade-social/palisade/moderation"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	require.NoError(t, moderation.Migrate(db))

	svc := moderation.NewService(db, slog.Default(), nil, nil)
	return NewHub(svc, NewAuthenticator(svc, nil), slog.Default(), Config{QueueCount: 4})
}

// openConn registers a connection directly against the hub's state, without
// a websocket, so routing can be tested synchronously through handle.
func openConn(h *Hub, did string) *Conn {
	c := newConn(h, nil, did)
	h.handle(&operation{op: opRegister, conn: c})
	c.setState(stateOpen)
	return c
}

func drain(c *Conn) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case m := <-c.outgoing:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestBroadcastQueueIntersection(t *testing.T) {
	h := testHub(t)
	a := openConn(h, "did:plc:a")
	b := openConn(h, "did:plc:b")
	c := openConn(h, "did:plc:c")

	h.handle(&operation{op: opSubscribe, conn: a, queues: []int64{0, 1}})
	h.handle(&operation{op: opSubscribe, conn: b, queues: []int64{2}})
	// c subscribes to nothing

	h.handle(&operation{op: opBroadcast, msg: &ServerMessage{Type: MsgReportCreated, QueueIds: []int64{1}}})
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
	assert.Empty(t, drain(c))

	// queue-less broadcasts reach every open connection
	h.handle(&operation{op: opBroadcast, msg: &ServerMessage{Type: MsgReviewEnded}})
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Len(t, drain(c), 1)
}

func TestBroadcastSkipsNonOpenConnections(t *testing.T) {
	h := testHub(t)
	a := openConn(h, "did:plc:a")
	a.setState(stateAuthenticated)

	h.handle(&operation{op: opBroadcast, msg: &ServerMessage{Type: MsgReviewEnded}})
	assert.Empty(t, drain(a))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := testHub(t)
	a := openConn(h, "did:plc:a")
	h.handle(&operation{op: opSubscribe, conn: a, queues: []int64{3}})
	h.handle(&operation{op: opUnsubscribe, conn: a, queues: []int64{3}})

	h.handle(&operation{op: opBroadcast, msg: &ServerMessage{Type: MsgReportCreated, QueueIds: []int64{3}}})
	assert.Empty(t, drain(a))
}

func TestReportCreatedRoutesBySubjectQueue(t *testing.T) {
	h := testHub(t)
	report := &models.Report{ID: 7, SubjectDid: "did:plc:bob", ReasonType: "spam", CreatedAt: time.Now()}
	queue := queueForSubject(report.SubjectDid, h.queueCount)

	a := openConn(h, "did:plc:a")
	h.handle(&operation{op: opSubscribe, conn: a, queues: []int64{queue}})

	view := reportView(report, h.queueCount)
	h.handle(&operation{op: opBroadcast, msg: &ServerMessage{Type: MsgReportCreated, QueueIds: []int64{view.QueueId}, Report: view}})

	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgReportCreated, msgs[0].Type)
	assert.Equal(t, report.ID, msgs[0].Report.Id)
	assert.Equal(t, queue, msgs[0].Report.QueueId)
}

func TestQueueForSubjectStable(t *testing.T) {
	q1 := queueForSubject("did:plc:bob", 4)
	q2 := queueForSubject("did:plc:bob", 4)
	assert.Equal(t, q1, q2)
	assert.GreaterOrEqual(t, q1, int64(0))
	assert.Less(t, q1, int64(4))
	assert.EqualValues(t, 0, queueForSubject("did:plc:bob", 1))
}

func TestClaimConflict(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()
	store := h.assignments

	first, err := store.Claim(ctx, "did:plc:a", 42, nil, time.Minute)
	require.NoError(t, err)

	_, err = store.Claim(ctx, "did:plc:b", 42, nil, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	// re-claiming one's own report extends the window instead of stacking
	extended, err := store.Claim(ctx, "did:plc:a", 42, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.ID, extended.ID)
	assert.True(t, extended.EndAt.After(first.EndAt))

	active, err := store.GetAssignments(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestReleaseAndLazyExpiry(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()
	store := h.assignments

	_, err := store.Claim(ctx, "did:plc:a", 42, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "did:plc:a", 42))

	active, err := store.GetAssignments(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	// released rows stay in history
	all, err := store.GetAssignments(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// expired claims free the report without any cleanup pass
	expired := models.ModeratorAssignment{
		Did:       "did:plc:b",
		StartAt:   time.Now().Add(-time.Hour),
		EndAt:     time.Now().Add(-30 * time.Minute),
		CreatedAt: time.Now().Add(-time.Hour),
	}
	reportId := uint64(99)
	expired.ReportId = &reportId
	require.NoError(t, h.svc.DB().Create(&expired).Error)

	claimed, err := store.Claim(ctx, "did:plc:c", 99, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:c", claimed.Did)
}

func TestClaimQueueIsShared(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()
	store := h.assignments

	a, err := store.ClaimQueue(ctx, "did:plc:a", 2, time.Minute)
	require.NoError(t, err)
	// queues are shared, a second moderator can hold the same one
	_, err = store.ClaimQueue(ctx, "did:plc:b", 2, time.Minute)
	require.NoError(t, err)

	// re-claiming extends instead of stacking
	again, err := store.ClaimQueue(ctx, "did:plc:a", 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	active, err := store.GetAssignments(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSnapshotScopedToSubscribedQueues(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	didA := "did:plc:bob"
	qa := queueForSubject(didA, h.queueCount)
	var didB string
	for i := 0; ; i++ {
		cand := fmt.Sprintf("did:plc:user%d", i)
		if queueForSubject(cand, h.queueCount) != qa {
			didB = cand
			break
		}
	}

	reportA := models.Report{SubjectDid: didA, SubjectType: "account", ReasonType: "spam", Status: "open", CreatedAt: time.Now()}
	reportB := models.Report{SubjectDid: didB, SubjectType: "account", ReasonType: "spam", Status: "open", CreatedAt: time.Now()}
	require.NoError(t, h.svc.DB().Create(&reportA).Error)
	require.NoError(t, h.svc.DB().Create(&reportB).Error)

	_, err := h.assignments.Claim(ctx, "did:plc:mod1", reportA.ID, nil, time.Minute)
	require.NoError(t, err)
	_, err = h.assignments.Claim(ctx, "did:plc:mod2", reportB.ID, nil, time.Minute)
	require.NoError(t, err)

	// only the assignment whose report hashes into the subscribed queue
	c := openConn(h, "did:plc:viewer")
	h.sendSnapshot(ctx, c, []int64{qa})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Assignments, 1)
	require.NotNil(t, msgs[0].Assignments[0].ReportId)
	assert.Equal(t, reportA.ID, *msgs[0].Assignments[0].ReportId)

	// subscribing without naming queues snapshots everything
	h.sendSnapshot(ctx, c, nil)
	msgs = drain(c)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Assignments, 2)

	// queue claims match on their queue id directly
	_, err = h.assignments.ClaimQueue(ctx, "did:plc:mod3", qa, time.Minute)
	require.NoError(t, err)
	h.sendSnapshot(ctx, c, []int64{qa})
	msgs = drain(c)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Assignments, 2)
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := testHub(t)
	c := openConn(h, "did:plc:a")

	h.dispatch(context.Background(), c, &ClientMessage{Type: MsgPing})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgPong, msgs[0].Type)
}

func TestReleaseOthersClaimIsNoop(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()
	store := h.assignments

	_, err := store.Claim(ctx, "did:plc:a", 42, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "did:plc:b", 42))

	active, err := store.GetAssignments(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
