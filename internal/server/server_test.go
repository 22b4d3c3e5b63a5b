package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediajob/internal/config"
	"mediajob/internal/db"
	"mediajob/internal/engine"
	"mediajob/internal/mediastore"
	"mediajob/internal/metrics"
	"mediajob/internal/migrate"
	"mediajob/internal/repo"
	"mediajob/internal/signedurl"
	"mediajob/internal/submission"
)

const owner = "tester"

type processingService struct {
	mu   sync.Mutex
	body string
	sent []map[string]any
}

func (p *processingService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)
	p.mu.Lock()
	p.sent = append(p.sent, payload)
	body := p.body
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func (p *processingService) last() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

type testServer struct {
	URL     string
	Config  *config.Config
	Service *processingService
	Engine  engine.Engine
	client  *http.Client
}

func newTestServer(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	svc := &processingService{body: `{"id":"doc-123"}`}
	upstream := httptest.NewServer(svc)
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Service.BaseURL = "https://lms.example"
	cfg.API.BaseURL = upstream.URL
	cfg.Signing.Secret = "s3cret"
	if tweak != nil {
		tweak(cfg)
	}

	log, _ := test.NewNullLogger()
	blobs, err := mediastore.NewLocalBlobs(workspace + "/media")
	require.NoError(t, err)
	store := mediastore.New(repo.Repo{DB: conn}, blobs, log)
	issuer := signedurl.NewTokenIssuer(cfg.Service.BaseURL, cfg.Signing.Secret, cfg.SigningTTL())
	e := engine.New(conn, cfg, engine.Deps{
		Store:    store,
		Issuer:   issuer,
		Verifier: issuer,
		Client:   submission.New(cfg.API.BaseURL, "key", 5*time.Second),
		Metrics:  metrics.MustNew(),
		Log:      log,
	})
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "jwt-secret", AllowLegacyActorHeader: true, Logger: log},
		Log:      log,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Config: cfg, Service: svc, Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) createDocument(t *testing.T) string {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/v0/documents", CreateDocumentRequest{Title: "Lecture"}, owner)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var doc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc.ID
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func longText() string {
	return "<p>" + strings.Repeat("lorem ipsum ", 60) + "</p>"
}

func TestHealthWithoutAuth(t *testing.T) {
	s := newTestServer(t, nil)
	resp, _ := s.do(t, http.MethodGet, "/v0/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/live", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)
	resp, data := s.do(t, http.MethodGet, "/v0/documents", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/v0/documents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, data = s.send(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, callerClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "jwt-user", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Organisation:     "org-1",
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodPost, s.URL+"/v0/documents", strings.NewReader(`{"title":"From token"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, data = s.send(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
}

func TestSubmitInlineTextAndServeAsset(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createDocument(t)

	resp, data := s.do(t, http.MethodPost, "/v0/documents/"+id+"/submissions", SubmitRequest{
		Title: "Lecture 1", Language: "en", Source: "inline_text", Text: longText(),
	}, owner)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var res engine.SubmitResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.Signed)
	assert.Equal(t, "creation_pending", res.Job.StatusName)

	link, err := url.Parse(s.Service.last()["docURL"].(string))
	require.NoError(t, err)
	resp, data = s.do(t, http.MethodGet, link.RequestURI(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "lorem ipsum")

	resp, data = s.do(t, http.MethodGet, link.Path+"?token=forged", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "invalid_token", decodeError(t, data).Code)

	resp, data = s.do(t, http.MethodPost, "/v0/documents/"+id+"/submissions", SubmitRequest{
		Title: "Again", Language: "en", Source: "web_content", URL: "https://example.com",
	}, owner)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_submitted", decodeError(t, data).Code)
}

func TestSubmitValidationError(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createDocument(t)
	resp, data := s.do(t, http.MethodPost, "/v0/documents/"+id+"/submissions", SubmitRequest{
		Title: "Page", Language: "en", Source: "web_content", URL: "ftp://example.com/a",
	}, owner)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "invalid_url", body.Details["code"])
	assert.Equal(t, "url", body.Details["field"])
	assert.Nil(t, s.Service.last())
}

func TestSubmitServiceErrorSurfacesMessage(t *testing.T) {
	s := newTestServer(t, nil)
	s.Service.body = `{"errorMessage":"quota exceeded","remaining":0,"trace":"abc"}`
	id := s.createDocument(t)
	resp, data := s.do(t, http.MethodPost, "/v0/documents/"+id+"/submissions", SubmitRequest{
		Title: "Page", Language: "en", Source: "web_content", URL: "https://example.com/page",
	}, owner)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "submission_failed", body.Code)
	assert.Equal(t, "quota exceeded", body.Details["errorMessage"])
	assert.Equal(t, `{"errorMessage":"quota exceeded","remaining":0,"trace":"abc"}`, body.Details["body"])
	assert.Contains(t, body.Message, `"trace":"abc"`)

	resp, _ = s.do(t, http.MethodGet, "/v0/documents/"+id+"/job", nil, owner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestUploadSubmission(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createDocument(t)
	fields := map[string]string{"title": "Talk", "language": "en", "media_source": "file"}

	body, ct := multipartUpload(t, fields, "tool.exe", []byte("MZ"))
	req, err := http.NewRequest(http.MethodPost, s.URL+"/v0/documents/"+id+"/submissions/upload", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Actor-Id", owner)
	resp, data := s.send(t, req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	assert.Equal(t, "unknown_format", decodeError(t, data).Details["code"])

	body, ct = multipartUpload(t, fields, "talk.mp3", []byte("ID3 audio bytes"))
	req, err = http.NewRequest(http.MethodPost, s.URL+"/v0/documents/"+id+"/submissions/upload", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Actor-Id", owner)
	resp, data = s.send(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var res engine.SubmitResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, "audio", string(res.Job.MediaType))
	assert.Equal(t, "audio", s.Service.last()["mediaType"])
}

func TestCallbackAdvancesJob(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Webhook.Secret = "hook" })
	id := s.createDocument(t)
	resp, data := s.do(t, http.MethodPost, "/v0/documents/"+id+"/submissions", SubmitRequest{
		Title: "Audio", Language: "en", Source: "web_audio", URL: "https://example.com/a.mp3",
	}, owner)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	note := engine.CallbackNotification{DocumentID: "doc-123", Action: "transcription", Status: "ok", ConsumedCredit: 1}
	resp, _ = s.do(t, http.MethodPost, "/goto?target=mj_webhook", note, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/goto?target=elsewhere", note, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	b, err := json.Marshal(note)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.URL+"/goto?target=mj_webhook", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Secret", "hook")
	resp, data = s.send(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = s.do(t, http.MethodGet, "/v0/documents/"+id+"/job", nil, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job struct {
		StatusName     string `json:"status_name"`
		ConsumedCredit int    `json:"consumed_credit"`
	}
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, "analysis", job.StatusName)
	assert.Equal(t, 2, job.ConsumedCredit)

	resp, data = s.do(t, http.MethodGet, "/v0/documents/"+id+"/activities", nil, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acts paginatedActivities
	require.NoError(t, json.Unmarshal(data, &acts))
	assert.Len(t, acts.Items, 2)
}

func TestAccessAndRoles(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createDocument(t)

	check := func(actor, perm string) bool {
		resp, data := s.do(t, http.MethodGet, "/v0/documents/"+id+"/access?permission="+perm, nil, actor)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
		var out AccessResponse
		require.NoError(t, json.Unmarshal(data, &out))
		return out.Allowed
	}
	assert.True(t, check(owner, "read"))
	assert.False(t, check(owner, ""))

	resp, data := s.do(t, http.MethodGet, "/v0/documents/"+id+"/access?permission=write", nil, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grants AccessResponse
	require.NoError(t, json.Unmarshal(data, &grants))
	assert.Equal(t, []string{"owner"}, grants.Roles)
	assert.Len(t, grants.Permissions, 5)

	assert.False(t, check("guest", "visible"))

	resp, data = s.do(t, http.MethodPut, "/v0/documents/"+id+"/roles", RoleChangeRequest{ActorID: "guest", Role: "viewer"}, owner)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(data))
	assert.False(t, check("guest", "read"))

	online := true
	resp, _ = s.do(t, http.MethodPatch, "/v0/documents/"+id, UpdateDocumentRequest{IsOnline: &online}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, check("guest", "read"))

	resp, _ = s.do(t, http.MethodDelete, "/v0/documents/"+id, nil, "guest")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/v0/documents/"+id+"/roles?actor_id=guest&role=viewer", nil, owner)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, check("guest", "visible"))
}

func TestLimitsAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	resp, data := s.do(t, http.MethodGet, "/v0/limits", nil, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var limits engine.Limits
	require.NoError(t, json.Unmarshal(data, &limits))
	assert.Contains(t, limits.Languages, "en")
	assert.Equal(t, 1, limits.Credit)

	resp, data = s.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "mediajob_request_durations_seconds")
}

func TestOpenAPISpecServed(t *testing.T) {
	s := newTestServer(t, nil)
	resp, data := s.do(t, http.MethodGet, "/v0/openapi.json", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "/v0/documents/{id}/submissions")
	assert.Contains(t, string(data), "bearerAuth")
}

func TestDeletePooledAsset(t *testing.T) {
	s := newTestServer(t, nil)
	resp, _ := s.do(t, http.MethodDelete, "/v0/assets/missing", nil, owner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	a, err := s.Engine.AddAsset(context.Background(), "talk.mp3", strings.NewReader("ID3 audio"), owner)
	require.NoError(t, err)
	resp, data := s.do(t, http.MethodDelete, "/v0/assets/"+a.ID, nil, "guest")
	require.Equal(t, http.StatusForbidden, resp.StatusCode, string(data))
	assert.Equal(t, "forbidden", decodeError(t, data).Code)

	resp, _ = s.do(t, http.MethodDelete, "/v0/assets/"+a.ID, nil, owner)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = s.do(t, http.MethodGet, "/v0/assets", nil, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var assets paginatedAssets
	require.NoError(t, json.Unmarshal(data, &assets))
	assert.Empty(t, assets.Items)
}
