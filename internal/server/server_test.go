package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/auth"
	"github.com/venia-ai/docsearch/internal/ingest"
	"github.com/venia-ai/docsearch/internal/query"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/search"
	"github.com/venia-ai/docsearch/internal/tenant"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

type fakeDocuments struct {
	lastIngest  ingest.IngestRequest
	ingestDoc   *repository.Document
	ingestErr   error
	statusDoc   *repository.Document
	statusErr   error
	listDocs    []*repository.Document
	listTotal   int
	deleteErr   error
	reingestDoc *repository.Document
	reingestErr error
}

func (f *fakeDocuments) IngestDocument(ctx context.Context, sec tenant.SecurityContext, req ingest.IngestRequest) (*repository.Document, error) {
	f.lastIngest = req
	return f.ingestDoc, f.ingestErr
}

func (f *fakeDocuments) GetDocumentStatus(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	return f.statusDoc, f.statusErr
}

func (f *fakeDocuments) ListDocuments(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error) {
	return f.listDocs, f.listTotal, nil
}

func (f *fakeDocuments) DeleteDocument(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) error {
	return f.deleteErr
}

func (f *fakeDocuments) ReingestDocument(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) (*repository.Document, error) {
	return f.reingestDoc, f.reingestErr
}

type fakeSearcher struct {
	last search.Request
	resp *search.Response
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, sec tenant.SecurityContext, req search.Request) (*search.Response, error) {
	f.last = req
	return f.resp, f.err
}

type fakeAnswerer struct {
	last   query.Request
	result *query.Result
	err    error
}

func (f *fakeAnswerer) Answer(ctx context.Context, sec tenant.SecurityContext, req query.Request) (*query.Result, error) {
	f.last = req
	return f.result, f.err
}

type fakeChat struct {
	session     *repository.ChatSession
	openErr     error
	sendResult  *query.Result
	sendErr     error
	lastContent string
	msgs        []*repository.Message
	sessions    []*repository.ChatSession
	closeErr    error
}

func (f *fakeChat) OpenSession(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, title string) (*repository.ChatSession, error) {
	return f.session, f.openErr
}

func (f *fakeChat) SendMessage(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID, content string) (*query.Result, error) {
	f.lastContent = content
	return f.sendResult, f.sendErr
}

func (f *fakeChat) History(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID, limit int) ([]*repository.Message, error) {
	return f.msgs, nil
}

func (f *fakeChat) ListSessions(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, limit, offset int) ([]*repository.ChatSession, int, error) {
	return f.sessions, len(f.sessions), nil
}

func (f *fakeChat) CloseSession(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID) error {
	return f.closeErr
}

type fakeIndex struct {
	progress vectorindex.RebuildProgress
}

func (f *fakeIndex) Progress(tenantID uuid.UUID) vectorindex.RebuildProgress {
	return f.progress
}

type harness struct {
	server   *Server
	docs     *fakeDocuments
	searcher *fakeSearcher
	answerer *fakeAnswerer
	chat     *fakeChat
	index    *fakeIndex
	tenantID uuid.UUID
	token    string
	readyErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		docs:     &fakeDocuments{},
		searcher: &fakeSearcher{},
		answerer: &fakeAnswerer{},
		chat:     &fakeChat{},
		index:    &fakeIndex{},
		tenantID: uuid.New(),
	}

	jwt := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	token, err := jwt.GenerateToken(h.tenantID, "user-1")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	h.token = token

	h.server = New(Config{Port: 0}, Deps{
		Documents: h.docs,
		Search:    h.searcher,
		Query:     h.answerer,
		Chat:      h.chat,
		Index:     h.index,
		Auth:      jwt,
		Ready:     func(ctx context.Context) error { return h.readyErr },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+h.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return h.do(t, method, path, bytes.NewReader(raw), "application/json")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}

	h.readyErr = errors.New("db down")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme status = %d", rec.Code)
	}
}

func TestUploadDocument(t *testing.T) {
	h := newHarness(t)
	h.docs.ingestDoc = &repository.Document{
		ID:       uuid.New(),
		TenantID: h.tenantID,
		Filename: "report.pdf",
		Format:   repository.FormatPDF,
		Status:   repository.DocQueued,
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "report.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("%PDF-1.4 quarterly report"))
	mw.WriteField("metadata", `{"department":"finance"}`)
	mw.Close()

	rec := h.do(t, http.MethodPost, "/v1/documents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got := h.docs.lastIngest
	if got.TenantID != h.tenantID {
		t.Errorf("ingest tenant = %s, want %s", got.TenantID, h.tenantID)
	}
	if got.Filename != "report.pdf" {
		t.Errorf("filename = %q", got.Filename)
	}
	if got.Format != "pdf" {
		t.Errorf("format derived from extension = %q, want pdf", got.Format)
	}
	if got.Metadata["department"] != "finance" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	var dto documentDTO
	decodeBody(t, rec, &dto)
	if dto.Status != "queued" {
		t.Errorf("response status = %q", dto.Status)
	}
}

func TestUploadRejectsBadMetadata(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "report.pdf")
	part.Write([]byte("content"))
	mw.WriteField("metadata", "not json")
	mw.Close()

	rec := h.do(t, http.MethodPost, "/v1/documents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadRequiresFilePart(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("format", "pdf")
	mw.Close()

	rec := h.do(t, http.MethodPost, "/v1/documents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDocumentStatusRejectsBadID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/documents/not-a-uuid", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodDelete, "/v1/documents/"+uuid.NewString(), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	h := newHarness(t)
	h.searcher.resp = &search.Response{
		Results: []search.Result{{
			ChunkID:    uuid.New(),
			DocumentID: uuid.New(),
			Content:    "revenue grew 12%",
			Score:      0.93,
		}},
	}

	rec := h.doJSON(t, http.MethodPost, "/v1/search", map[string]any{
		"query": "revenue growth",
		"top_k": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if h.searcher.last.TenantID != h.tenantID {
		t.Errorf("search tenant = %s, want token tenant", h.searcher.last.TenantID)
	}
	if h.searcher.last.Query != "revenue growth" || h.searcher.last.TopK != 3 {
		t.Errorf("search request = %+v", h.searcher.last)
	}

	var resp search.Response
	decodeBody(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Results[0].Content != "revenue grew 12%" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSearchRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/search",
		strings.NewReader(`{"query":"x","bogus":true}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAnswerEndpoint(t *testing.T) {
	h := newHarness(t)
	h.answerer.result = &query.Result{
		Answer:   "Revenue grew 12% in Q3.",
		Metadata: query.ResultMetadata{Model: "test-model", Grounded: true},
	}

	rec := h.doJSON(t, http.MethodPost, "/v1/answer", map[string]any{
		"query": "how did revenue develop",
		"history": []map[string]string{
			{"role": "user", "content": "tell me about Q3"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(h.answerer.last.History) != 1 || h.answerer.last.History[0].Content != "tell me about Q3" {
		t.Errorf("history not forwarded: %+v", h.answerer.last.History)
	}

	var result query.Result
	decodeBody(t, rec, &result)
	if result.Answer != "Revenue grew 12% in Q3." {
		t.Errorf("answer = %q", result.Answer)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindForbidden, http.StatusForbidden},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindTransientUpstream, http.StatusServiceUnavailable},
		{apperr.KindPermanentUpstream, http.StatusBadGateway},
		{apperr.KindCancelled, statusClientClosedRequest},
		{apperr.KindInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			h := newHarness(t)
			h.searcher.err = apperr.New(tc.kind, "boom")

			rec := h.doJSON(t, http.MethodPost, "/v1/search", map[string]any{"query": "x"})
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}

			var body errorBody
			decodeBody(t, rec, &body)
			if body.Error.Kind != string(tc.kind) {
				t.Errorf("error kind = %q, want %q", body.Error.Kind, tc.kind)
			}
			if body.Error.Message != "boom" {
				t.Errorf("error message = %q", body.Error.Message)
			}
		})
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.searcher.err = &apperr.Error{
		Kind:       apperr.KindRateLimited,
		Msg:        "rate limit exceeded",
		RetryAfter: 1500 * time.Millisecond,
	}

	rec := h.doJSON(t, http.MethodPost, "/v1/search", map[string]any{"query": "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want rounded-up 2", got)
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	h := newHarness(t)
	h.searcher.err = errors.New("pool exhausted at 10.0.0.3:5432")

	rec := h.doJSON(t, http.MethodPost, "/v1/search", map[string]any{"query": "x"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.3") {
		t.Errorf("response leaked the underlying error: %s", rec.Body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	sessionID := uuid.New()
	h.chat.session = &repository.ChatSession{
		ID:     sessionID,
		Title:  "Q3 questions",
		Status: repository.SessionActive,
	}
	h.chat.sendResult = &query.Result{
		Answer:   "Margins improved.",
		Metadata: query.ResultMetadata{Grounded: true},
	}
	h.chat.msgs = []*repository.Message{
		{ID: uuid.New(), Role: repository.RoleUser, Content: "hello"},
	}
	h.chat.sessions = []*repository.ChatSession{h.chat.session}

	rec := h.doJSON(t, http.MethodPost, "/v1/sessions", map[string]string{"title": "Q3 questions"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d", rec.Code)
	}
	var session sessionDTO
	decodeBody(t, rec, &session)
	if session.ID != sessionID {
		t.Errorf("session id = %s", session.ID)
	}

	path := fmt.Sprintf("/v1/sessions/%s/messages", sessionID)
	rec = h.doJSON(t, http.MethodPost, path, map[string]string{"content": "what about margins"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body)
	}
	if h.chat.lastContent != "what about margins" {
		t.Errorf("forwarded content = %q", h.chat.lastContent)
	}

	rec = h.do(t, http.MethodGet, path+"?limit=10", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var history struct {
		Messages []messageDTO `json:"messages"`
	}
	decodeBody(t, rec, &history)
	if len(history.Messages) != 1 || history.Messages[0].Content != "hello" {
		t.Errorf("history = %+v", history.Messages)
	}

	rec = h.do(t, http.MethodGet, "/v1/sessions", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodDelete, "/v1/sessions/"+sessionID.String(), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rec.Code)
	}
}

func TestIndexProgress(t *testing.T) {
	h := newHarness(t)
	h.index.progress = vectorindex.RebuildProgress{Total: 100, Loaded: 40}

	rec := h.do(t, http.MethodGet, "/v1/index/progress", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var progress struct {
		Total  int  `json:"total"`
		Loaded int  `json:"loaded"`
		Done   bool `json:"done"`
	}
	decodeBody(t, rec, &progress)
	if progress.Total != 100 || progress.Loaded != 40 || progress.Done {
		t.Errorf("progress = %+v", progress)
	}
}

func TestListDocuments(t *testing.T) {
	h := newHarness(t)
	h.docs.listDocs = []*repository.Document{
		{ID: uuid.New(), Filename: "a.pdf", Format: repository.FormatPDF, Status: repository.DocCompleted},
		{ID: uuid.New(), Filename: "b.docx", Format: repository.FormatDOCX, Status: repository.DocQueued},
	}
	h.docs.listTotal = 2

	rec := h.do(t, http.MethodGet, "/v1/documents?limit=10&offset=0", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Documents []documentDTO `json:"documents"`
		Total     int           `json:"total"`
	}
	decodeBody(t, rec, &body)
	if len(body.Documents) != 2 || body.Total != 2 {
		t.Errorf("body = %+v", body)
	}
}
