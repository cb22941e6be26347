package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palisade-social/palisade/models"
)

type fixedReasonSource struct {
	types []string
	err   error
}

func (s *fixedReasonSource) ListReasonTypes(ctx context.Context) ([]string, error) {
	return s.types, s.err
}

func TestCreateReportAppealAuthorization(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	post := RecordSubject{AtUri: "at://did:plc:alice/app.bsky.feed.post/3kabc", RecordCid: "bafyreia"}

	_, _, err := svc.LogEvent(ctx, modIdent, post, Event{Kind: EventAcknowledge})
	require.NoError(t, err)

	// neither the author nor a moderator: the appeal is refused up front
	stranger := Identity{Did: "did:plc:mallory", Role: RoleUser}
	_, err = svc.CreateReport(ctx, stranger, post, ReasonAppeal, "reconsider this")
	assert.ErrorIs(t, err, ErrAppealNotAllowed)

	var n int64
	require.NoError(t, svc.db.Model(&models.Report{}).Count(&n).Error)
	assert.Zero(t, n)
	status, err := svc.GetStatus(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, ReviewClosed, status.ReviewState)
	assert.Nil(t, status.Appealed)

	// the content author may appeal, and the appeal escalates
	author := Identity{Did: "did:plc:alice", Role: RoleUser}
	report, err := svc.CreateReport(ctx, author, post, ReasonAppeal, "this was a mistake")
	require.NoError(t, err)
	assert.Equal(t, author.Did, report.ReportedByDid)

	status, err = svc.GetStatus(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, ReviewEscalated, status.ReviewState)
	require.NotNil(t, status.Appealed)
	assert.True(t, *status.Appealed)
}

func TestCreateReportLogsEvent(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	sub := AccountSubject{DID: "did:plc:bob"}

	report, err := svc.CreateReport(ctx, userIdent, sub, "spam", "posting garbage")
	require.NoError(t, err)
	assert.Equal(t, ReportStatusOpen, report.Status)
	assert.Equal(t, userIdent.Did, report.ReportedByDid)

	status, err := svc.GetStatus(ctx, sub)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, ReviewOpen, status.ReviewState)

	var n int64
	require.NoError(t, svc.db.Model(&models.ModerationEvent{}).Where("action = ?", EventReport).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestReasonTypeAllowList(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	svc.reasonTypes = newReasonTypeCache(&fixedReasonSource{types: []string{"spam", "rude"}}, svc.logger)
	sub := AccountSubject{DID: "did:plc:bob"}

	_, err := svc.CreateReport(ctx, userIdent, sub, "spam", "")
	require.NoError(t, err)

	_, err = svc.CreateReport(ctx, userIdent, sub, "novel-reason", "")
	require.Error(t, err)
}

func TestReasonTypeLookupFailsOpen(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	svc.reasonTypes = newReasonTypeCache(&fixedReasonSource{err: errors.New("policy service down")}, svc.logger)

	_, err := svc.CreateReport(ctx, userIdent, AccountSubject{DID: "did:plc:bob"}, "anything", "")
	require.NoError(t, err)
}

func TestActionReportsById(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	sub := AccountSubject{DID: "did:plc:bob"}

	r1, err := svc.CreateReport(ctx, userIdent, sub, "spam", "")
	require.NoError(t, err)
	r2, err := svc.CreateReport(ctx, userIdent, sub, "rude", "")
	require.NoError(t, err)

	evt, _, err := svc.LogEvent(ctx, modIdent, sub, Event{
		Kind:            EventAcknowledge,
		ResolvesReports: &ReportSelector{ReportIds: []uint64{r1.ID, r2.ID}, Note: "reviewed, no action"},
	})
	require.NoError(t, err)

	var reports []models.Report
	require.NoError(t, svc.db.Order("id").Find(&reports).Error)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, ReportStatusClosed, r.Status)
		require.NotNil(t, r.ActionNote)
		assert.Equal(t, "reviewed, no action", *r.ActionNote)
	}

	var links []models.ReportResolution
	require.NoError(t, svc.db.Where("event_id = ?", evt.ID).Find(&links).Error)
	assert.Len(t, links, 2)
}

func TestActionReportsCrossSubjectRejected(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	bob := AccountSubject{DID: "did:plc:bob"}
	carol := AccountSubject{DID: "did:plc:carol"}

	rBob, err := svc.CreateReport(ctx, userIdent, bob, "spam", "")
	require.NoError(t, err)
	rCarol, err := svc.CreateReport(ctx, userIdent, carol, "spam", "")
	require.NoError(t, err)

	_, _, err = svc.LogEvent(ctx, modIdent, bob, Event{
		Kind:            EventAcknowledge,
		ResolvesReports: &ReportSelector{ReportIds: []uint64{rBob.ID, rCarol.ID}},
	})
	assert.ErrorIs(t, err, ErrNoMatchingReports)

	// the whole transaction rolled back, including the acknowledge
	var n int64
	require.NoError(t, svc.db.Model(&models.ModerationEvent{}).Where("action = ?", EventAcknowledge).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

func TestActionReportsByReasonType(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	sub := AccountSubject{DID: "did:plc:bob"}

	_, err := svc.CreateReport(ctx, userIdent, sub, "spam", "")
	require.NoError(t, err)
	rRude, err := svc.CreateReport(ctx, userIdent, sub, "rude", "")
	require.NoError(t, err)

	_, _, err = svc.LogEvent(ctx, modIdent, sub, Event{
		Kind:            EventAcknowledge,
		ResolvesReports: &ReportSelector{ReasonTypes: []string{"spam"}},
	})
	require.NoError(t, err)

	var rude models.Report
	require.NoError(t, svc.db.First(&rude, rRude.ID).Error)
	assert.Equal(t, ReportStatusOpen, rude.Status)

	var closed int64
	require.NoError(t, svc.db.Model(&models.Report{}).Where("status = ?", ReportStatusClosed).Count(&closed).Error)
	assert.EqualValues(t, 1, closed)
}

func TestEscalateEscalatesReports(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	sub := AccountSubject{DID: "did:plc:bob"}

	r, err := svc.CreateReport(ctx, userIdent, sub, "spam", "")
	require.NoError(t, err)

	_, _, err = svc.LogEvent(ctx, modIdent, sub, Event{
		Kind:            EventEscalate,
		ResolvesReports: &ReportSelector{All: true},
	})
	require.NoError(t, err)

	var row models.Report
	require.NoError(t, svc.db.First(&row, r.ID).Error)
	assert.Equal(t, ReportStatusEscalated, row.Status)
}

func TestActionReportsScopedToRecord(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	account := AccountSubject{DID: "did:plc:bob"}
	record := RecordSubject{AtUri: "at://did:plc:bob/app.bsky.feed.post/3kabc", RecordCid: "bafyreia"}

	_, err := svc.CreateReport(ctx, userIdent, account, "spam", "")
	require.NoError(t, err)
	rRec, err := svc.CreateReport(ctx, userIdent, record, "spam", "")
	require.NoError(t, err)

	_, _, err = svc.LogEvent(ctx, modIdent, record, Event{
		Kind:            EventAcknowledge,
		ResolvesReports: &ReportSelector{All: true},
	})
	require.NoError(t, err)

	var rec models.Report
	require.NoError(t, svc.db.First(&rec, rRec.ID).Error)
	assert.Equal(t, ReportStatusClosed, rec.Status)

	var open int64
	require.NoError(t, svc.db.Model(&models.Report{}).Where("status = ?", ReportStatusOpen).Count(&open).Error)
	assert.EqualValues(t, 1, open)
}

func TestGetReportsFilters(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	_, err := svc.CreateReport(ctx, userIdent, AccountSubject{DID: "did:plc:bob"}, "spam", "")
	require.NoError(t, err)
	_, err = svc.CreateReport(ctx, userIdent, AccountSubject{DID: "did:plc:carol"}, "rude", "")
	require.NoError(t, err)

	rows, _, err := svc.GetReports(ctx, ReportQuery{ReasonTypes: []string{"rude"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "did:plc:carol", rows[0].SubjectDid)

	rows, _, err = svc.GetReports(ctx, ReportQuery{Subject: "did:plc:bob"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	post := RecordSubject{AtUri: "at://did:plc:bob/app.bsky.feed.post/3kabc", RecordCid: "bafyreib"}
	profile := RecordSubject{AtUri: "at://did:plc:bob/app.bsky.actor.profile/self", RecordCid: "bafyreic"}
	_, err = svc.CreateReport(ctx, userIdent, post, "spam", "")
	require.NoError(t, err)
	_, err = svc.CreateReport(ctx, userIdent, profile, "spam", "")
	require.NoError(t, err)

	rows, _, err = svc.GetReports(ctx, ReportQuery{Collection: "app.bsky.feed.post"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, *rows[0].SubjectUri, post.AtUri)
}
