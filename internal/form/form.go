// Package form validates the operator-supplied fields of a submission
// before any media is resolved.
package form

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"mediajob/internal/domain"
)

const (
	TitleMaxLen = 250
	TextMinLen  = 500
	TextMaxLen  = 50000
)

// InputLimits describes accepted input sizes.
type InputLimits struct {
	TitleMax int `json:"title_max"`
	TextMin  int `json:"text_min"`
	TextMax  int `json:"text_max"`
}

func DefaultLimits() InputLimits {
	return InputLimits{TitleMax: TitleMaxLen, TextMin: TextMinLen, TextMax: TextMaxLen}
}

// Title trims and checks a submission title.
func Title(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", domain.Invalid(domain.CodeInvalidField, "title", "required")
	}
	if n := utf8.RuneCountInString(title); n > TitleMaxLen {
		return "", domain.Invalid(domain.CodeInvalidField, "title", "%d characters exceeds %d", n, TitleMaxLen)
	}
	return title, nil
}

// Language checks lang against the supported set.
func Language(lang string, supported []string) (string, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, l := range supported {
		if l == lang {
			return lang, nil
		}
	}
	return "", domain.Invalid(domain.CodeInvalidField, "language", "%q is not supported", lang)
}

// VisibleLength counts the characters a reader sees in an HTML fragment.
func VisibleLength(html string) (int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, err
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	return utf8.RuneCountInString(text), nil
}

// Text checks inline text length.
func Text(html string) error {
	n, err := VisibleLength(html)
	if err != nil {
		return &domain.ValidationError{Code: domain.CodeInvalidField, Field: "text", Detail: "unparsable", Err: err}
	}
	if n < TextMinLen || n > TextMaxLen {
		return domain.Invalid(domain.CodeInvalidField, "text", "%d characters outside %d..%d", n, TextMinLen, TextMaxLen)
	}
	return nil
}
