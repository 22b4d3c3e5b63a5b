package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mediajob/internal/domain"
	"mediajob/internal/form"
	"mediajob/internal/metrics"
	"mediajob/internal/repo"
	"mediajob/internal/resolver"
	"mediajob/internal/submission"
)

// SubmitOptions are parameters for submitting media on a Document.
type SubmitOptions struct {
	ObjectID      string
	ActorID       string
	Title         string
	Language      string
	Source        resolver.Source
	AutomaticMode bool
}

// SubmitResult is what a successful submission produced.
type SubmitResult struct {
	Document domain.Document    `json:"document"`
	Job      domain.DocumentJob `json:"job"`
	Signed   bool               `json:"signed"`
}

// Submit resolves the source, sends it to the processing service and
// records the returned job. Nothing is recorded unless the service
// returned a job id; an asset saved for a failed submission is removed.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (res SubmitResult, err error) {
	started := e.now()
	kind := "unknown"
	if opts.Source != nil {
		kind = string(opts.Source.Kind())
	}
	defer func() {
		e.Metrics.ObserveSubmission(kind, submitResult(err), e.now().Sub(started))
	}()
	if opts.Source == nil {
		return SubmitResult{}, domain.Invalid(domain.CodeInvalidField, "source", "required")
	}
	if err := e.require(ctx, domain.PermWrite, opts.ActorID, opts.ObjectID); err != nil {
		return SubmitResult{}, err
	}
	title, err := form.Title(opts.Title)
	if err != nil {
		return SubmitResult{}, err
	}
	lang, err := form.Language(opts.Language, e.Config.Languages)
	if err != nil {
		return SubmitResult{}, err
	}
	if text, ok := opts.Source.(resolver.InlineText); ok {
		if err := form.Text(text.Content); err != nil {
			return SubmitResult{}, err
		}
	}

	// The guard covers the attached-job check and the external call.
	if !e.inflight.acquire(opts.ObjectID) {
		return SubmitResult{}, ErrSubmissionInFlight
	}
	defer e.inflight.release(opts.ObjectID)
	doc, err := e.Repo.GetDocument(ctx, opts.ObjectID)
	if err != nil {
		return SubmitResult{}, err
	}
	if doc.Submitted() {
		return SubmitResult{}, ErrAlreadySubmitted
	}

	log := e.Log.WithFields(logrus.Fields{"document": opts.ObjectID, "source": kind, "actor": opts.ActorID})
	resolved, err := e.Resolver.Resolve(ctx, opts.Source)
	if err != nil {
		log.WithError(err).Warn("media resolution failed")
		return SubmitResult{}, err
	}
	defer func() {
		if err != nil && resolved.Asset != nil {
			e.Resolver.Discard(context.WithoutCancel(ctx), *resolved.Asset)
		}
	}()

	credit := e.Config.Credit.PerSubmission
	req := submission.Request{
		UserID:            opts.ActorID,
		OrganisationID:    e.Config.Organisation(),
		Title:             title,
		DecrementedCredit: credit,
		DocURL:            resolved.URL,
		WebhookURL:        e.Config.WebhookURL(),
		MediaType:         resolved.Format,
		AutomaticMode:     opts.AutomaticMode,
		Language:          lang,
	}
	jobID, err := e.Client.Submit(ctx, req)
	if err != nil {
		log.WithError(err).Warn("submission rejected")
		return SubmitResult{}, err
	}

	doc, job, err := e.Repo.RecordSubmission(ctx, repo.Submission{
		ObjectID: opts.ObjectID,
		Title:    title,
		Now:      e.ts(),
		Job: domain.DocumentJob{
			DocumentID:     jobID,
			ConsumedCredit: credit,
			DocURL:         resolved.URL,
			MediaType:      resolved.Format,
			AutomaticMode:  opts.AutomaticMode,
			Language:       lang,
		},
		Activity: domain.Activity{
			UserID:         opts.ActorID,
			Action:         domain.ActionTranscription,
			ConsumedCredit: credit,
		},
	})
	if errors.Is(err, repo.ErrAlreadyAttached) {
		return SubmitResult{}, ErrAlreadySubmitted
	}
	if err != nil {
		log.WithError(err).WithField("job", jobID).Error("external job created but not recorded")
		return SubmitResult{}, fmt.Errorf("record submission %s: %w", jobID, err)
	}
	log.WithFields(logrus.Fields{"job": jobID, "format": resolved.Format}).Info("media submitted")
	return SubmitResult{Document: doc, Job: job, Signed: resolved.Signed()}, nil
}

func submitResult(err error) string {
	var (
		verr *domain.ValidationError
		aerr *domain.AssetSaveError
		serr *submission.SubmissionError
	)
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.As(err, &verr):
		return metrics.ResultValidation
	case errors.As(err, &aerr):
		return metrics.ResultAssetSave
	case errors.As(err, &serr):
		return metrics.ResultSubmission
	case errors.Is(err, ErrAlreadySubmitted), errors.Is(err, ErrSubmissionInFlight):
		return metrics.ResultConflict
	}
	return metrics.ResultRecord
}

// CallbackNotification is the body the processing service posts back.
type CallbackNotification struct {
	DocumentID     string `json:"documentID"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	Code           int    `json:"code"`
	ErrorMessage   string `json:"error_message"`
	ConsumedCredit int    `json:"consumedCredit"`
}

// nextStatus returns where a job moves after an action outcome.
func nextStatus(action string, ok bool) (domain.JobStatus, bool) {
	switch action {
	case domain.ActionTranscription:
		if ok {
			return domain.StatusAnalysis, true
		}
		return domain.StatusCreation, true
	case domain.ActionAnalysis:
		if ok {
			return domain.StatusRevision, true
		}
		return domain.StatusAnalysis, true
	case domain.ActionActivities:
		if ok {
			return domain.StatusCompleted, true
		}
		return domain.StatusActivities, true
	}
	return 0, false
}

// HandleCallback records a notification and advances the job.
func (e Engine) HandleCallback(ctx context.Context, n CallbackNotification) (job domain.DocumentJob, err error) {
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "rejected"
		}
		e.Metrics.ObserveCallback(n.Action, outcome)
	}()
	if n.DocumentID == "" {
		return domain.DocumentJob{}, domain.Invalid(domain.CodeInvalidField, "documentID", "required")
	}
	if n.Status == "" {
		return domain.DocumentJob{}, domain.Invalid(domain.CodeInvalidField, "status", "required")
	}
	ok := n.Status == domain.ActivityOK
	next, known := nextStatus(n.Action, ok)
	if !known {
		return domain.DocumentJob{}, fmt.Errorf("%w: %q", ErrUnknownAction, n.Action)
	}
	if !ok {
		outcome = "failed"
	}
	userID := ""
	if acts, err := e.Repo.ListActivities(ctx, n.DocumentID, 1); err == nil && len(acts) > 0 {
		userID = acts[0].UserID
	}
	job, err = e.Repo.ApplyCallback(ctx, repo.CallbackUpdate{
		Activity: domain.Activity{
			DocumentID:     n.DocumentID,
			UserID:         userID,
			Action:         n.Action,
			Status:         n.Status,
			Code:           n.Code,
			ErrorMessage:   n.ErrorMessage,
			ConsumedCredit: n.ConsumedCredit,
		},
		Next: &next,
		Now:  e.ts(),
	})
	if err != nil {
		return domain.DocumentJob{}, err
	}
	e.Log.WithFields(logrus.Fields{"job": n.DocumentID, "action": n.Action, "status": job.StatusName}).Info("callback applied")
	return job, nil
}

