package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"mediajob/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	userAgent        = "mediajob/1"
	maxMessageBody   = 512
)

// MaxDetailBody caps the raw body echoed back to API callers.
const MaxDetailBody = 4 << 10

// Request is the payload accepted by POST /documents.
type Request struct {
	UserID            string             `json:"userID"`
	OrganisationID    string             `json:"organisationID"`
	Title             string             `json:"title"`
	DecrementedCredit int                `json:"decrementedCredit"`
	DocURL            string             `json:"docURL"`
	WebhookURL        string             `json:"webhookURL"`
	MediaType         domain.MediaFormat `json:"mediaType"`
	AutomaticMode     bool               `json:"automaticMode"`
	Language          string             `json:"language"`
}

// SubmissionError reports a submission the service did not accept.
// ErrorMessage carries the service's errorMessage field verbatim when present.
type SubmissionError struct {
	StatusCode   int
	Message      string
	ErrorMessage string
	Body         string
	Timeout      bool
	Err          error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	b.WriteString("submission failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	switch {
	case e.ErrorMessage != "":
		b.WriteString(": " + e.ErrorMessage)
	case e.Message != "":
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if body := e.BodyExcerpt(maxMessageBody); body != "" {
		b.WriteString(": body=" + body)
	}
	return b.String()
}

// BodyExcerpt returns the raw response body trimmed to at most n bytes.
func (e *SubmissionError) BodyExcerpt(n int) string {
	body := strings.TrimSpace(e.Body)
	if n <= 0 || len(body) <= n {
		return body
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Client talks to the external processing service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, Timeout: timeout}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Submit posts the request once and returns the external job id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.DocURL) == "" || req.MediaType == "" {
		return "", &SubmissionError{Message: "resolved url and media type are required"}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return "", &SubmissionError{Message: "encode request", Err: err}
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/documents"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", &SubmissionError{Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if c.APIKey != "" {
		httpReq.Header.Set("X-API-KEY", c.APIKey)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return "", &SubmissionError{Message: "request failed", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := readAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: "read response", Timeout: isTimeout(err), Err: err}
	}
	return parseResponse(resp.StatusCode, body)
}

func parseResponse(status int, body []byte) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return "", &SubmissionError{StatusCode: status, Message: "response is not a json object", Body: string(body)}
	}
	errMsg, _ := obj["errorMessage"].(string)
	if id, ok := obj["id"].(string); ok && id != "" && status < http.StatusMultipleChoices {
		return id, nil
	}
	serr := &SubmissionError{StatusCode: status, ErrorMessage: errMsg, Body: string(body)}
	switch {
	case errMsg != "":
	case status >= http.StatusMultipleChoices:
		serr.Message = http.StatusText(status)
	default:
		serr.Message = "response has no document id"
	}
	return "", serr
}

var errResponseTooLarge = errors.New("response too large")

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errResponseTooLarge, limit)
	}
	return data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
