package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/palisade-social/palisade/models"
)

// HandleAssignmentsSocket is the echo handler for the moderator coordination
// socket. Authentication happens before the upgrade so unauthorized callers
// get a plain 401 instead of a doomed websocket.
func (h *Hub) HandleAssignmentsSocket(c echo.Context) error {
	ident, err := h.auth.Authenticate(c.Request())
	if err != nil {
		h.logger.Info("refusing hub connection", "remote", c.RealIP(), "err", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := websocket.Upgrade(c.Response(), c.Request(), c.Response().Header(), 1<<10, 1<<10)
	if err != nil {
		return err
	}

	conn := newConn(h, ws, ident.Did)
	h.submit(&operation{op: opRegister, conn: conn})
	conn.setState(stateOpen)
	h.logger.Info("moderator connected", "did", ident.Did, "remote", c.RealIP())

	go conn.writePump()
	conn.readPump(c.Request().Context())
	return nil
}

// dispatch handles one client message. Subscription changes go through the
// hub's ops channel since the Run goroutine owns the queue sets; assignment
// changes hit the store directly and then broadcast.
func (h *Hub) dispatch(ctx context.Context, c *Conn, msg *ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		h.submit(&operation{op: opSubscribe, conn: c, queues: msg.QueueIds})
		h.sendSnapshot(ctx, c, msg.QueueIds)
	case MsgUnsubscribe:
		h.submit(&operation{op: opUnsubscribe, conn: c, queues: msg.QueueIds})
	case MsgReviewStart:
		if msg.ReportId == nil {
			if msg.QueueId == nil {
				c.sendError("report:review:start requires a reportId or a queueId")
				return
			}
			row, err := h.assignments.ClaimQueue(ctx, c.did, *msg.QueueId, 0)
			if err != nil {
				h.logger.Error("failed to claim queue", "did", c.did, "queue", *msg.QueueId, "err", err)
				c.sendError("failed to claim queue")
				return
			}
			view := assignmentView(row)
			h.Broadcast(&ServerMessage{
				Type:       MsgQueueAssigned,
				QueueIds:   []int64{*msg.QueueId},
				Assignment: &view,
			})
			return
		}
		row, err := h.assignments.Claim(ctx, c.did, *msg.ReportId, msg.QueueId, 0)
		if err != nil {
			h.logger.Info("claim refused", "did", c.did, "report", *msg.ReportId, "err", err)
			c.sendError(err.Error())
			return
		}
		view := assignmentView(row)
		h.Broadcast(&ServerMessage{
			Type:       MsgReviewStarted,
			QueueIds:   h.queuesForReport(ctx, msg.QueueId, *msg.ReportId),
			Assignment: &view,
		})
	case MsgReviewEnd:
		if msg.ReportId == nil {
			c.sendError("report:review:end requires a reportId")
			return
		}
		if err := h.assignments.Release(ctx, c.did, *msg.ReportId); err != nil {
			h.logger.Error("failed to release assignment", "did", c.did, "report", *msg.ReportId, "err", err)
			c.sendError("failed to release assignment")
			return
		}
		h.Broadcast(&ServerMessage{
			Type:      MsgReviewEnded,
			QueueIds:  h.queuesForReport(ctx, msg.QueueId, *msg.ReportId),
			ReportIds: []uint64{*msg.ReportId},
		})
	case MsgPing:
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(writeTimeout))
		}
		h.deliver(c, &ServerMessage{Type: MsgPong})
	default:
		h.logger.Warn("unknown client message type", "did", c.did, "type", msg.Type)
	}
}

// sendSnapshot replies to a new subscription with the active assignments for
// the subscribed queues so the client can render current claims before any
// broadcast arrives. Subscribing to no particular queue snapshots everything.
func (h *Hub) sendSnapshot(ctx context.Context, c *Conn, queues []int64) {
	rows, err := h.assignments.GetAssignments(ctx, true)
	if err != nil {
		h.logger.Error("failed to load assignment snapshot", "did", c.did, "err", err)
		c.sendError("failed to load snapshot")
		return
	}
	want := make(map[int64]bool, len(queues))
	for _, q := range queues {
		want[q] = true
	}
	views := make([]AssignmentView, 0, len(rows))
	for i := range rows {
		if len(want) > 0 && !h.assignmentInQueues(ctx, &rows[i], want) {
			continue
		}
		views = append(views, assignmentView(&rows[i]))
	}
	h.deliver(c, &ServerMessage{Type: MsgSnapshot, Assignments: views})
}

// assignmentInQueues reports whether an assignment belongs to one of the
// wanted queues: queue claims carry their queue directly, report claims hash
// through their report's subject. An unloadable report is included rather
// than hidden.
func (h *Hub) assignmentInQueues(ctx context.Context, row *models.ModeratorAssignment, want map[int64]bool) bool {
	if row.QueueId != nil {
		return want[*row.QueueId]
	}
	if row.ReportId != nil {
		var report models.Report
		if err := h.svc.DB().WithContext(ctx).First(&report, *row.ReportId).Error; err != nil {
			return true
		}
		return want[queueForSubject(report.SubjectDid, h.queueCount)]
	}
	return true
}

// queuesForReport scopes a review broadcast: the client's queue if it named
// one, otherwise the queue the report's subject hashes into. Falls back to an
// unscoped broadcast if the report cannot be loaded.
func (h *Hub) queuesForReport(ctx context.Context, queueId *int64, reportId uint64) []int64 {
	if queueId != nil {
		return []int64{*queueId}
	}
	var report models.Report
	if err := h.svc.DB().WithContext(ctx).First(&report, reportId).Error; err != nil {
		return nil
	}
	return []int64{queueForSubject(report.SubjectDid, h.queueCount)}
}
