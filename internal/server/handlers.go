package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
	"github.com/venia-ai/docsearch/internal/ingest"
	"github.com/venia-ai/docsearch/internal/query"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/search"
)

// multipartMemoryLimit bounds how much of an upload stays in memory while
// parsing; the rest spills to disk.
const multipartMemoryLimit = 32 << 20

type documentDTO struct {
	ID           uuid.UUID         `json:"id"`
	Filename     string            `json:"filename"`
	Format       string            `json:"format"`
	Status       string            `json:"status"`
	ChunkCount   int               `json:"chunk_count"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
}

func documentJSON(doc *repository.Document) documentDTO {
	return documentDTO{
		ID:           doc.ID,
		Filename:     doc.Filename,
		Format:       string(doc.Format),
		Status:       string(doc.Status),
		ChunkCount:   doc.ChunkCount,
		ErrorKind:    doc.ErrorKind,
		ErrorMessage: doc.ErrorMessage,
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		ProcessedAt:  doc.ProcessedAt,
	}
}

type sessionDTO struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

func sessionJSON(session *repository.ChatSession) sessionDTO {
	return sessionDTO{
		ID:           session.ID,
		Title:        session.Title,
		Status:       string(session.Status),
		LastActivity: session.LastActivity,
		CreatedAt:    session.CreatedAt,
	}
}

type messageDTO struct {
	ID        uuid.UUID         `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func messageJSON(msg *repository.Message) messageDTO {
	return messageDTO{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		CreatedAt: msg.CreatedAt,
	}
}

// handleUpload accepts a multipart upload: a "file" part, an optional
// "format" field (defaulting to the filename extension), and an optional
// "metadata" field holding a JSON object.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, "invalid multipart body", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "file part is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, "failed to read file part", err))
		return
	}

	format := r.FormValue("format")
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	}

	var metadata map[string]string
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindValidation, "metadata must be a JSON object of strings", err))
			return
		}
	}

	doc, err := s.deps.Documents.IngestDocument(r.Context(), sec, ingest.IngestRequest{
		TenantID: sec.TenantID,
		Filename: header.Filename,
		Format:   format,
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, documentJSON(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	status := repository.DocumentStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	docs, total, err := s.deps.Documents.ListDocuments(r.Context(), sec, sec.TenantID, status, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]documentDTO, len(docs))
	for i, doc := range docs {
		out[i] = documentJSON(doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"total":     total,
	})
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}
	documentID, err := pathUUID(r, "documentID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.deps.Documents.GetDocumentStatus(r.Context(), sec, sec.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentJSON(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}
	documentID, err := pathUUID(r, "documentID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deps.Documents.DeleteDocument(r.Context(), sec, sec.TenantID, documentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReingest(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}
	documentID, err := pathUUID(r, "documentID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.deps.Documents.ReingestDocument(r.Context(), sec, sec.TenantID, documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, documentJSON(doc))
}

func (s *Server) handleIndexProgress(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	progress := s.deps.Index.Progress(sec.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  progress.Total,
		"loaded": progress.Loaded,
		"done":   progress.Done,
	})
}

type searchRequestBody struct {
	Query     string  `json:"query"`
	TopK      int     `json:"top_k"`
	Threshold float32 `json:"threshold"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	var body searchRequestBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.deps.Search.Search(r.Context(), sec, search.Request{
		TenantID:  sec.TenantID,
		Query:     body.Query,
		TopK:      body.TopK,
		Threshold: body.Threshold,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveSearch(resp.CacheHit)
	}
	writeJSON(w, http.StatusOK, resp)
}

type answerRequestBody struct {
	Query     string       `json:"query"`
	TopK      int          `json:"top_k"`
	Threshold float32      `json:"threshold"`
	History   []query.Turn `json:"history"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	var body answerRequestBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Query.Answer(r.Context(), sec, query.Request{
		TenantID:  sec.TenantID,
		Query:     body.Query,
		TopK:      body.TopK,
		Threshold: body.Threshold,
		History:   body.History,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveAnswer(result.Metadata.Grounded)
	}
	writeJSON(w, http.StatusOK, result)
}

type openSessionBody struct {
	Title string `json:"title"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	var body openSessionBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.deps.Chat.OpenSession(r.Context(), sec, sec.TenantID, body.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionJSON(session))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}

	sessions, total, err := s.deps.Chat.ListSessions(r.Context(), sec, sec.TenantID,
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]sessionDTO, len(sessions))
	for i, session := range sessions {
		out[i] = sessionJSON(session)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    total,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.deps.Chat.CloseSession(r.Context(), sec, sec.TenantID, sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageBody struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body sendMessageBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Chat.SendMessage(r.Context(), sec, sec.TenantID, sessionID, body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveAnswer(result.Metadata.Grounded)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sec, ok := securityContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "missing security context")
		return
	}
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msgs, err := s.deps.Chat.History(r.Context(), sec, sec.TenantID, sessionID,
		queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]messageDTO, len(msgs))
	for i, msg := range msgs {
		out[i] = messageJSON(msg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// decodeJSON reads a JSON request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid JSON body", err)
	}
	return nil
}

// pathUUID parses a UUID path parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Newf(apperr.KindValidation, "%s is not a valid UUID", name)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
