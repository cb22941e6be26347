package hub

import (
	"context"
	"log/slog"

	"github.com/palisade-social/palisade/models"
	"github.com/palisade-social/palisade/moderation"
)

const (
	opRegister = iota
	opUnregister
	opSubscribe
	opUnsubscribe
	opBroadcast
)

type operation struct {
	op     int
	conn   *Conn
	queues []int64
	msg    *ServerMessage
}

// Hub fans realtime coordination messages out to connected moderators. All
// connection and subscription state is owned by the single Run goroutine;
// everything else communicates with it through the ops channel, so no state
// needs a lock.
type Hub struct {
	svc         *moderation.Service
	assignments *AssignmentStore
	auth        *Authenticator
	logger      *slog.Logger

	queueCount int

	ops    chan *operation
	closed chan struct{}

	// owned by Run
	conns map[*Conn]bool
}

type Config struct {
	QueueCount int
}

func NewHub(svc *moderation.Service, auth *Authenticator, logger *slog.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	queueCount := cfg.QueueCount
	if queueCount <= 0 {
		queueCount = 1
	}
	return &Hub{
		svc:         svc,
		assignments: &AssignmentStore{db: svc.DB()},
		auth:        auth,
		logger:      logger.With("system", "hub"),
		queueCount:  queueCount,
		ops:         make(chan *operation),
		closed:      make(chan struct{}),
		conns:       make(map[*Conn]bool),
	}
}

// Run owns the connection map until the context is cancelled. Messages to
// connections that are not open are dropped with a warning rather than
// blocking the loop.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.closed)
	for {
		select {
		case op := <-h.ops:
			h.handle(op)
		case <-ctx.Done():
			for conn := range h.conns {
				conn.close()
			}
			return ctx.Err()
		}
	}
}

func (h *Hub) handle(op *operation) {
	switch op.op {
	case opRegister:
		h.conns[op.conn] = true
		connectedClients.Inc()
	case opUnregister:
		if h.conns[op.conn] {
			delete(h.conns, op.conn)
			op.conn.close()
			connectedClients.Dec()
		}
	case opSubscribe:
		if h.conns[op.conn] {
			for _, q := range op.queues {
				op.conn.queues[q] = true
			}
		}
	case opUnsubscribe:
		if h.conns[op.conn] {
			for _, q := range op.queues {
				delete(op.conn.queues, q)
			}
		}
	case opBroadcast:
		for conn := range h.conns {
			if !conn.wantsQueues(op.msg.QueueIds) {
				continue
			}
			h.deliver(conn, op.msg)
		}
	default:
		h.logger.Error("unrecognized hub operation", "op", op.op)
	}
}

func (h *Hub) deliver(conn *Conn, msg *ServerMessage) {
	if !conn.isOpen() {
		h.logger.Warn("dropping message to non-open connection", "did", conn.did, "type", msg.Type)
		return
	}
	select {
	case conn.outgoing <- msg:
		messagesSent.WithLabelValues(msg.Type).Inc()
	default:
		h.logger.Warn("connection send buffer full, dropping message", "did", conn.did, "type", msg.Type)
		messagesDropped.Inc()
	}
}

func (h *Hub) submit(op *operation) {
	select {
	case h.ops <- op:
	case <-h.closed:
	}
}

// Broadcast routes a message to every subscriber whose queue subscriptions
// intersect the message's queues. A message with no queues goes to everyone.
func (h *Hub) Broadcast(msg *ServerMessage) {
	h.submit(&operation{op: opBroadcast, msg: msg})
}

// ReportCreated implements moderation.Notifier.
func (h *Hub) ReportCreated(report *models.Report) {
	view := reportView(report, h.queueCount)
	h.Broadcast(&ServerMessage{
		Type:     MsgReportCreated,
		QueueIds: []int64{view.QueueId},
		Report:   view,
	})
}

// ReportsActioned implements moderation.Notifier.
func (h *Hub) ReportsActioned(reportIds []uint64, evt *models.ModerationEvent) {
	h.Broadcast(&ServerMessage{
		Type:      MsgReportActioned,
		QueueIds:  []int64{queueForSubject(evt.SubjectDid, h.queueCount)},
		ReportIds: reportIds,
		EventId:   evt.ID,
	})
}
