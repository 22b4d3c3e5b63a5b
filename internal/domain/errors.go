package domain

import "fmt"

// Validation codes carried by ValidationError.
const (
	CodeEmptyURL      = "empty_url"
	CodeInvalidURL    = "invalid_url"
	CodeUnknownFormat = "unknown_format"
	CodeMissingFile   = "missing_file"
	CodeAssetNotFound = "asset_not_found"
	CodeInvalidField  = "invalid_field"
)

// ValidationError rejects an input before anything is stored or sent.
type ValidationError struct {
	Code   string
	Field  string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Code
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// AssetSaveError reports that the media store could not persist an asset.
type AssetSaveError struct {
	Name string
	Err  error
}

func (e *AssetSaveError) Error() string {
	return fmt.Sprintf("save asset %q: %v", e.Name, e.Err)
}

func (e *AssetSaveError) Unwrap() error { return e.Err }
