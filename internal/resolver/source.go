package resolver

import (
	"io"
	"strings"

	"mediajob/internal/domain"
)

// Source is one of WebContent, WebAudio, WebVideo, PooledMedia,
// UploadedFile or InlineText.
type Source interface {
	Kind() domain.SourceKind
	source()
}

type WebContent struct{ URL string }
type WebAudio struct{ URL string }
type WebVideo struct{ URL string }

// PooledMedia refers to an asset already held by the media store.
type PooledMedia struct{ AssetID string }

// UploadedFile carries files staged by the upload transport.
type UploadedFile struct{ Files []StagedFile }

// StagedFile is an uploaded file not yet handed to the media store.
type StagedFile struct {
	Name   string
	Reader io.Reader
}

// InlineText is operator-typed HTML.
type InlineText struct{ Content string }

func (WebContent) Kind() domain.SourceKind   { return domain.SourceWebContent }
func (WebAudio) Kind() domain.SourceKind     { return domain.SourceWebAudio }
func (WebVideo) Kind() domain.SourceKind     { return domain.SourceWebVideo }
func (PooledMedia) Kind() domain.SourceKind  { return domain.SourcePooledMedia }
func (UploadedFile) Kind() domain.SourceKind { return domain.SourceUploadedFile }
func (InlineText) Kind() domain.SourceKind   { return domain.SourceInlineText }

func (WebContent) source()   {}
func (WebAudio) source()     {}
func (WebVideo) source()     {}
func (PooledMedia) source()  {}
func (UploadedFile) source() {}
func (InlineText) source()   {}

// Fields are the raw inputs a source is built from.
type Fields struct {
	URL     string
	AssetID string
	Text    string
	Files   []StagedFile
}

// SourceFor builds the source of the given kind from raw fields.
func SourceFor(kind domain.SourceKind, f Fields) (Source, error) {
	switch kind {
	case domain.SourceWebContent:
		return WebContent{URL: f.URL}, nil
	case domain.SourceWebAudio:
		return WebAudio{URL: f.URL}, nil
	case domain.SourceWebVideo:
		return WebVideo{URL: f.URL}, nil
	case domain.SourcePooledMedia:
		return PooledMedia{AssetID: f.AssetID}, nil
	case domain.SourceUploadedFile:
		return UploadedFile{Files: f.Files}, nil
	case domain.SourceInlineText:
		return InlineText{Content: f.Text}, nil
	}
	return nil, domain.Invalid(domain.CodeUnknownFormat, "source", "unknown source kind %q", kind)
}

// FromForm maps the two-level form selection (media source, then web
// source for web links) onto a source kind.
func FromForm(mediaSource, webSource string, f Fields) (Source, error) {
	switch strings.ToLower(mediaSource) {
	case "web":
		switch strings.ToLower(webSource) {
		case "content", "":
			return SourceFor(domain.SourceWebContent, f)
		case "audio":
			return SourceFor(domain.SourceWebAudio, f)
		case "video":
			return SourceFor(domain.SourceWebVideo, f)
		}
		return nil, domain.Invalid(domain.CodeUnknownFormat, "web_src", "unknown web source %q", webSource)
	case "mob":
		return SourceFor(domain.SourcePooledMedia, f)
	case "file":
		return SourceFor(domain.SourceUploadedFile, f)
	case "freetext":
		return SourceFor(domain.SourceInlineText, f)
	}
	return SourceFor(domain.SourceKind(mediaSource), f)
}
