package server

import (
	"strconv"

	"mediajob/internal/domain"
	"mediajob/internal/resolver"
)

type CreateDocumentRequest struct {
	Title string `json:"title" minLength:"1" maxLength:"250"`
}

type UpdateDocumentRequest struct {
	Title    *string `json:"title,omitempty" maxLength:"250"`
	IsOnline *bool   `json:"is_online,omitempty"`
}

// SubmitRequest selects the media source and job options. Only the field
// matching Source is read.
type SubmitRequest struct {
	Title         string            `json:"title" minLength:"1" maxLength:"250"`
	Language      string            `json:"language" example:"en"`
	Source        domain.SourceKind `json:"source" enum:"web_content,web_audio,web_video,pooled_media,inline_text"`
	URL           string            `json:"url,omitempty" example:"https://example.com/lecture.mp3"`
	AssetID       string            `json:"asset_id,omitempty"`
	Text          string            `json:"text,omitempty"`
	AutomaticMode bool              `json:"automatic_mode,omitempty"`
}

func (r SubmitRequest) source() (resolver.Source, error) {
	return resolver.SourceFor(r.Source, resolver.Fields{URL: r.URL, AssetID: r.AssetID, Text: r.Text})
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role" enum:"owner,editor,viewer"`
}

type AccessResponse struct {
	ObjectID    string   `json:"object_id"`
	ActorID     string   `json:"actor_id"`
	Permission  string   `json:"permission"`
	Allowed     bool     `json:"allowed"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type paginatedDocuments struct {
	Items []domain.Document `json:"items"`
}

type paginatedActivities struct {
	Items []domain.Activity `json:"items"`
}

type paginatedAssets struct {
	Items []domain.Asset `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// optionalBool reads "true"/"false" style query values; anything else is unset.
func optionalBool(raw string) *bool {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}
