package repo

import (
	"context"
	"database/sql"
	"fmt"

	"mediajob/internal/domain"
	"mediajob/internal/events"
)

const jobColumns = `document_id,title,status,consumed_credit,doc_url,media_type,automatic_mode,language,created_at,updated_at`

func scanJob(row rowScanner) (domain.DocumentJob, error) {
	var j domain.DocumentJob
	var auto int
	var media string
	err := row.Scan(&j.DocumentID, &j.Title, &j.Status, &j.ConsumedCredit, &j.DocURL, &media, &auto, &j.Language, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.MediaType = domain.MediaFormat(media)
	j.AutomaticMode = auto != 0
	j.StatusName = j.Status.String()
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, documentID string) (domain.DocumentJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM doc_jobs WHERE document_id=?`, documentID))
}

func (r Repo) getJobTx(ctx context.Context, tx *sql.Tx, documentID string) (domain.DocumentJob, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM doc_jobs WHERE document_id=?`, documentID))
}

// Submission bundles the records written after the external service accepted a job.
type Submission struct {
	ObjectID string
	Title    string
	Job      domain.DocumentJob
	Activity domain.Activity
	Now      string
}

// RecordSubmission attaches the external id to the Document, inserts the job
// and its first activity. All three writes commit together or not at all.
func (r Repo) RecordSubmission(ctx context.Context, s Submission) (domain.Document, domain.DocumentJob, error) {
	if s.Job.DocumentID == "" {
		return domain.Document{}, domain.DocumentJob{}, fmt.Errorf("record submission: empty document id")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, domain.DocumentJob{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE documents SET document_id=?, title=?, updated_at=? WHERE id=? AND document_id IS NULL`,
		s.Job.DocumentID, s.Title, s.Now, s.ObjectID)
	if err != nil {
		return domain.Document{}, domain.DocumentJob{}, fmt.Errorf("attach document id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetDocumentTx(ctx, tx, s.ObjectID); err != nil {
			return domain.Document{}, domain.DocumentJob{}, err
		}
		return domain.Document{}, domain.DocumentJob{}, ErrAlreadyAttached
	}

	job := s.Job
	job.Status = domain.StatusCreationPending
	job.Title = s.Title
	job.CreatedAt, job.UpdatedAt = s.Now, s.Now
	if _, err := tx.ExecContext(ctx, `INSERT INTO doc_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		job.DocumentID, job.Title, int(job.Status), job.ConsumedCredit, job.DocURL, string(job.MediaType), boolInt(job.AutomaticMode), job.Language, job.CreatedAt, job.UpdatedAt); err != nil {
		return domain.Document{}, domain.DocumentJob{}, fmt.Errorf("insert job: %w", err)
	}

	act := s.Activity
	act.DocumentID = job.DocumentID
	act.Status = domain.ActivityOK
	act.Code = 0
	act.ErrorMessage = ""
	act.TS = s.Now
	if _, err := (events.Writer{}).Append(ctx, tx, act); err != nil {
		return domain.Document{}, domain.DocumentJob{}, fmt.Errorf("insert activity: %w", err)
	}

	doc, err := r.GetDocumentTx(ctx, tx, s.ObjectID)
	if err != nil {
		return domain.Document{}, domain.DocumentJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, domain.DocumentJob{}, err
	}
	job.StatusName = job.Status.String()
	return doc, job, nil
}

// CallbackUpdate is one notification from the processing service.
type CallbackUpdate struct {
	Activity domain.Activity
	// Next is the status the job moves to; nil leaves it unchanged.
	Next *domain.JobStatus
	Now  string
}

// ApplyCallback appends the activity and advances the job in one transaction.
func (r Repo) ApplyCallback(ctx context.Context, u CallbackUpdate) (domain.DocumentJob, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DocumentJob{}, err
	}
	defer tx.Rollback()

	job, err := r.getJobTx(ctx, tx, u.Activity.DocumentID)
	if err != nil {
		return domain.DocumentJob{}, err
	}
	if u.Next != nil {
		job.Status = *u.Next
	}
	job.ConsumedCredit += u.Activity.ConsumedCredit
	job.UpdatedAt = u.Now
	if _, err := tx.ExecContext(ctx, `UPDATE doc_jobs SET status=?, consumed_credit=?, updated_at=? WHERE document_id=?`,
		int(job.Status), job.ConsumedCredit, job.UpdatedAt, job.DocumentID); err != nil {
		return domain.DocumentJob{}, fmt.Errorf("update job: %w", err)
	}
	act := u.Activity
	act.TS = u.Now
	if _, err := (events.Writer{}).Append(ctx, tx, act); err != nil {
		return domain.DocumentJob{}, fmt.Errorf("insert activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.DocumentJob{}, err
	}
	job.StatusName = job.Status.String()
	return job, nil
}

func (r Repo) ListActivities(ctx context.Context, documentID string, limit int) ([]domain.Activity, error) {
	return events.List(ctx, r.DB, documentID, limit)
}
