package hub

import (
	"hash/fnv"
	"time"

	"github.com/palisade-social/palisade/models"
)

// Client-to-server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgReviewStart = "report:review:start"
	MsgReviewEnd   = "report:review:end"
	MsgPing        = "ping"
)

// Server-to-client message types.
const (
	MsgSnapshot       = "snapshot"
	MsgReviewStarted  = "report:review:started"
	MsgReviewEnded    = "report:review:ended"
	MsgReportCreated  = "report:created"
	MsgReportActioned = "report:actioned"
	MsgQueueAssigned  = "queue:assigned"
	MsgPong           = "pong"
	MsgError          = "error"
)

// ClientMessage is the single envelope for everything a moderator client
// sends over the socket. Type selects which fields are meaningful.
type ClientMessage struct {
	Type     string  `json:"type"`
	QueueIds []int64 `json:"queueIds,omitempty"`
	ReportId *uint64 `json:"reportId,omitempty"`
	QueueId  *int64  `json:"queueId,omitempty"`
}

// ServerMessage is the envelope for everything pushed to clients.
type ServerMessage struct {
	Type string `json:"type"`

	// queue routing; empty means every subscriber receives the message
	QueueIds []int64 `json:"queueIds,omitempty"`

	Report      *ReportView       `json:"report,omitempty"`
	ReportIds   []uint64          `json:"reportIds,omitempty"`
	EventId     uint64            `json:"eventId,omitempty"`
	Assignment  *AssignmentView   `json:"assignment,omitempty"`
	Assignments []AssignmentView  `json:"assignments,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ReportView is the wire shape of a report inside hub messages.
type ReportView struct {
	Id         uint64    `json:"id"`
	SubjectDid string    `json:"subjectDid"`
	SubjectUri *string   `json:"subjectUri,omitempty"`
	ReasonType string    `json:"reasonType"`
	QueueId    int64     `json:"queueId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AssignmentView is the wire shape of a moderator assignment.
type AssignmentView struct {
	Id       uint64    `json:"id"`
	ReportId *uint64   `json:"reportId,omitempty"`
	QueueId  *int64    `json:"queueId,omitempty"`
	Did      string    `json:"did"`
	StartAt  time.Time `json:"startAt"`
	EndAt    time.Time `json:"endAt"`
}

func assignmentView(row *models.ModeratorAssignment) AssignmentView {
	return AssignmentView{
		Id:       row.ID,
		ReportId: row.ReportId,
		QueueId:  row.QueueId,
		Did:      row.Did,
		StartAt:  row.StartAt,
		EndAt:    row.EndAt,
	}
}

// queueForSubject buckets a subject DID into one of queueCount queues. The
// bucket only depends on the DID, so every report about a subject lands in
// the same queue.
func queueForSubject(did string, queueCount int) int64 {
	if queueCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(did))
	return int64(h.Sum32() % uint32(queueCount))
}

func reportView(r *models.Report, queueCount int) *ReportView {
	return &ReportView{
		Id:         r.ID,
		SubjectDid: r.SubjectDid,
		SubjectUri: r.SubjectUri,
		ReasonType: r.ReasonType,
		QueueId:    queueForSubject(r.SubjectDid, queueCount),
		CreatedAt:  r.CreatedAt,
	}
}
