package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediajob/internal/db"
	"mediajob/internal/domain"
	"mediajob/internal/migrate"
)

const ts = "2026-01-02T03:04:05Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func seedDocument(t *testing.T, r Repo, id, title string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertDocument(ctx, tx, domain.Document{ID: id, Title: title, CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, tx.Commit())
}

func submission(objectID, docID string) Submission {
	return Submission{
		ObjectID: objectID,
		Title:    "Lecture 1",
		Now:      ts,
		Job: domain.DocumentJob{
			DocumentID:     docID,
			ConsumedCredit: 1,
			DocURL:         "https://example.com/a.mp3",
			MediaType:      domain.FormatAudio,
			Language:       "en",
		},
		Activity: domain.Activity{UserID: "u1", Action: domain.ActionTranscription, ConsumedCredit: 1},
	}
}

func TestRecordSubmissionWritesAllRecords(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedDocument(t, r, "obj-1", "Old title")

	doc, job, err := r.RecordSubmission(ctx, submission("obj-1", "doc-123"))
	require.NoError(t, err)
	require.NotNil(t, doc.DocumentID)
	assert.Equal(t, "doc-123", *doc.DocumentID)
	assert.Equal(t, "Lecture 1", doc.Title)
	assert.Equal(t, domain.StatusCreationPending, job.Status)

	stored, err := r.GetJob(ctx, "doc-123")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreationPending, stored.Status)
	assert.Equal(t, domain.FormatAudio, stored.MediaType)
	assert.Equal(t, "creation_pending", stored.StatusName)

	acts, err := r.ListActivities(ctx, "doc-123", 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActivityOK, acts[0].Status)
	assert.Equal(t, 0, acts[0].Code)
	assert.Equal(t, "", acts[0].ErrorMessage)
	assert.Equal(t, 1, acts[0].ConsumedCredit)
	assert.Equal(t, "u1", acts[0].UserID)
}

func TestRecordSubmissionRejectsSecondAttach(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedDocument(t, r, "obj-1", "t")

	_, _, err := r.RecordSubmission(ctx, submission("obj-1", "doc-1"))
	require.NoError(t, err)
	_, _, err = r.RecordSubmission(ctx, submission("obj-1", "doc-2"))
	assert.True(t, errors.Is(err, ErrAlreadyAttached))

	_, err = r.GetJob(ctx, "doc-2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordSubmissionRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedDocument(t, r, "obj-1", "t")
	seedDocument(t, r, "obj-2", "t")
	_, _, err := r.RecordSubmission(ctx, submission("obj-1", "doc-1"))
	require.NoError(t, err)

	// the job insert collides with the existing doc_jobs row after the attach succeeded
	_, err = r.DB.ExecContext(ctx, `UPDATE documents SET document_id=NULL WHERE id='obj-1'`)
	require.NoError(t, err)
	_, _, err = r.RecordSubmission(ctx, submission("obj-2", "doc-1"))
	require.Error(t, err)

	d, err := r.GetDocument(ctx, "obj-2")
	require.NoError(t, err)
	assert.Nil(t, d.DocumentID)
	acts, err := r.ListActivities(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func TestRecordSubmissionUnknownDocument(t *testing.T) {
	r := newTestRepo(t)
	_, _, err := r.RecordSubmission(context.Background(), submission("missing", "doc-1"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApplyCallbackAdvancesJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedDocument(t, r, "obj-1", "t")
	_, _, err := r.RecordSubmission(ctx, submission("obj-1", "doc-1"))
	require.NoError(t, err)

	next := domain.StatusAnalysis
	job, err := r.ApplyCallback(ctx, CallbackUpdate{
		Activity: domain.Activity{DocumentID: "doc-1", UserID: "u1", Action: domain.ActionTranscription, Status: domain.ActivityOK, ConsumedCredit: 2},
		Next:     &next,
		Now:      ts,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalysis, job.Status)
	assert.Equal(t, 3, job.ConsumedCredit)

	acts, err := r.ListActivities(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, acts, 2)

	_, err = r.ApplyCallback(ctx, CallbackUpdate{Activity: domain.Activity{DocumentID: "nope"}, Now: ts})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteDocumentCascades(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedDocument(t, r, "obj-1", "t")
	_, _, err := r.RecordSubmission(ctx, submission("obj-1", "doc-1"))
	require.NoError(t, err)

	require.NoError(t, r.DeleteDocument(ctx, "obj-1"))
	_, err = r.GetJob(ctx, "doc-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	acts, err := r.ListActivities(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, acts)
	assert.True(t, errors.Is(r.DeleteDocument(ctx, "obj-1"), ErrNotFound))
}

func TestObjectRoles(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedDocument(t, r, "obj-1", "t")
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.EnsureActor(ctx, tx, "alice", ts))
	require.NoError(t, r.AssignRole(ctx, tx, "obj-1", "alice", "viewer"))
	require.NoError(t, tx.Commit())

	roles, err := r.ObjectRoles(ctx, "obj-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, roles)
	roles, err = r.ObjectRoles(ctx, "obj-1", "bob")
	require.NoError(t, err)
	assert.Empty(t, roles)
}
