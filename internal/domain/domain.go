package domain

import (
	"path"
	"strings"
)

// SourceKind names where the submitted media comes from.
type SourceKind string

const (
	SourceWebContent   SourceKind = "web_content"
	SourceWebAudio     SourceKind = "web_audio"
	SourceWebVideo     SourceKind = "web_video"
	SourcePooledMedia  SourceKind = "pooled_media"
	SourceUploadedFile SourceKind = "uploaded_file"
	SourceInlineText   SourceKind = "inline_text"
)

// MediaFormat is the media type understood by the processing service.
type MediaFormat string

const (
	FormatWeb      MediaFormat = "web"
	FormatAudio    MediaFormat = "audio"
	FormatVideo    MediaFormat = "video"
	FormatDocument MediaFormat = "document"
	FormatFreetext MediaFormat = "freetext"
)

// JobStatus tracks a document job through the external lifecycle.
type JobStatus int

const (
	StatusCreation JobStatus = iota
	StatusCreationPending
	StatusAnalysis
	StatusAnalysisPending
	StatusRevision
	StatusRevisionPending
	StatusActivities
	StatusActivitiesPending
	StatusCompleted
)

var statusNames = map[JobStatus]string{
	StatusCreation:          "creation",
	StatusCreationPending:   "creation_pending",
	StatusAnalysis:          "analysis",
	StatusAnalysisPending:   "analysis_pending",
	StatusRevision:          "revision",
	StatusRevisionPending:   "revision_pending",
	StatusActivities:        "activities",
	StatusActivitiesPending: "activities_pending",
	StatusCompleted:         "completed",
}

func (s JobStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Activity actions.
const (
	ActionTranscription = "transcription"
	ActionAnalysis      = "analysis"
	ActionActivities    = "activities"
)

// ActivityOK is the status stored for successful activities.
const ActivityOK = "ok"

// Permissions understood by the access gate.
const (
	PermVisible        = "visible"
	PermRead           = "read"
	PermWrite          = "write"
	PermDelete         = "delete"
	PermEditPermission = "edit_permission"
)

// Document is the hosting object a processing job is attached to.
type Document struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	DocumentID *string `json:"document_id,omitempty"`
	IsOnline   bool    `json:"is_online"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Submitted reports whether an external job id was assigned.
func (d Document) Submitted() bool {
	return d.DocumentID != nil && *d.DocumentID != ""
}

// DocumentJob is the persisted metadata of an external job.
type DocumentJob struct {
	DocumentID     string      `json:"document_id"`
	Title          string      `json:"title"`
	Status         JobStatus   `json:"status"`
	StatusName     string      `json:"status_name"`
	ConsumedCredit int         `json:"consumed_credit"`
	DocURL         string      `json:"doc_url"`
	MediaType      MediaFormat `json:"media_type"`
	AutomaticMode  bool        `json:"automatic_mode"`
	Language       string      `json:"language"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
}

// Activity is one audit row for a job attempt or lifecycle event.
type Activity struct {
	ID             int64  `json:"id"`
	DocumentID     string `json:"document_id"`
	UserID         string `json:"user_id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	Code           int    `json:"code"`
	ErrorMessage   string `json:"error_message"`
	ConsumedCredit int    `json:"consumed_credit"`
	TS             string `json:"ts" format:"date-time"`
}

// Asset is a managed media item held by the media store.
type Asset struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	MIMEType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Pooled    bool   `json:"pooled"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Extension returns the lower-cased file extension without the dot.
func (a Asset) Extension() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(a.Name)), ".")
}
