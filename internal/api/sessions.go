package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
)

type createSessionRequest struct {
	HintID string `json:"hint_id"`
	URL    string `json:"url"`
}

type statusRequest struct {
	Status *session.Status `json:"status"`
}

type urlRequest struct {
	URL string `json:"url"`
}

type workerURLRequest struct {
	URL      string `json:"url"`
	WorkerID string `json:"worker_id"`
}

type sessionResponse struct {
	ID           string       `json:"id"`
	Meta         session.Meta `json:"meta"`
	URLCount     int64        `json:"url_count"`
	ContentCount int64        `json:"content_count"`
	Alive        bool         `json:"alive"`
}

// session resolves the {session_id} path parameter to a valid session,
// writing the error response itself when it cannot.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.manager.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, "load session", err)
		return nil, false
	}
	return sess, true
}

func (s *Server) describe(r *http.Request, sess *session.Session) (sessionResponse, error) {
	ctx := r.Context()
	meta, err := sess.Meta(ctx)
	if err != nil {
		return sessionResponse{}, err
	}
	urls, err := sess.URLCount(ctx)
	if err != nil {
		return sessionResponse{}, err
	}
	content, err := sess.ContentCount(ctx)
	if err != nil {
		return sessionResponse{}, err
	}
	return sessionResponse{
		ID:           sess.ID(),
		Meta:         meta,
		URLCount:     urls,
		ContentCount: content,
		Alive:        meta.Status == session.StatusNormal,
	}, nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, s.listLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.manager.IDs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	sess, err := s.manager.Create(r.Context(), req.HintID, req.URL)
	if err != nil {
		s.fail(w, r, "create session", err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID())
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	resp, err := s.describe(r, sess)
	if err != nil {
		s.fail(w, r, "describe session", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) removeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		s.fail(w, r, "remove session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"id": sess.ID(), "status": *req.Status}
	if err := sess.SetStatus(r.Context(), *req.Status); err != nil {
		if !errors.Is(err, session.ErrBroadcast) {
			s.fail(w, r, "set status", err)
			return
		}
		s.logger.Warn("Status broadcast failed",
			zap.String("session_id", sess.ID()),
			zap.Error(err),
		)
		resp["broadcast"] = false
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postponeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Postpone(r.Context()); err != nil {
		s.fail(w, r, "postpone session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	if s.retirer == nil {
		writeError(w, http.StatusNotImplemented, "archiving is not enabled")
		return
	}
	force, err := parseBool(r, "force")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.retirer.Retire(r.Context(), chi.URLParam(r, "session_id"), force)
	if err != nil && rec.SessionID == "" {
		s.fail(w, r, "archive session", err)
		return
	}
	if err != nil {
		s.logger.Warn("Session archived but not removed",
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       rec.SessionID,
		"blob_uri": rec.BlobURI,
		"digest":   rec.Digest,
		"bytes":    rec.SnapshotBytes,
		"removed":  err == nil,
	})
}

func (s *Server) getURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	worker, registered, err := sess.URLWorker(r.Context(), url)
	if err != nil {
		s.fail(w, r, "read url", err)
		return
	}
	content, err := sess.HasContent(r.Context(), url)
	if err != nil {
		s.fail(w, r, "read content", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":         url,
		"registered":  registered,
		"worker_id":   worker,
		"has_content": content,
	})
}

func (s *Server) addURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeBody(w, r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	created, err := sess.AddURL(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, "add url", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"url": req.URL, "created": created})
}

func (s *Server) claimURL(w http.ResponseWriter, r *http.Request) {
	var req workerURLRequest
	if err := decodeBody(w, r, &req); err != nil || req.URL == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "url and worker_id are required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.ClaimURL(r.Context(), req.URL, req.WorkerID); err != nil {
		s.fail(w, r, "claim url", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": req.URL, "worker_id": req.WorkerID})
}

func (s *Server) addContent(w http.ResponseWriter, r *http.Request) {
	var req workerURLRequest
	if err := decodeBody(w, r, &req); err != nil || req.URL == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "url and worker_id are required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.AddContent(r.Context(), req.URL, req.WorkerID); err != nil {
		s.fail(w, r, "add content", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) incrementCounter(w http.ResponseWriter, r *http.Request) {
	counter, err := session.ParseCounter(chi.URLParam(r, "counter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	n, err := sess.Increment(r.Context(), counter)
	if err != nil && !errors.Is(err, session.ErrBroadcast) {
		s.fail(w, r, "increment counter", err)
		return
	}
	resp := map[string]any{"counter": counter, "value": n}
	if err != nil {
		s.logger.Warn("Counter broadcast failed",
			zap.String("session_id", sess.ID()),
			zap.String("counter", string(counter)),
			zap.Error(err),
		)
		resp["broadcast"] = false
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) incrementTag(w http.ResponseWriter, r *http.Request) {
	keepout, err := parseBool(r, "keepout")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	tag := chi.URLParam(r, "tag")
	if err := sess.IncTagUsage(r.Context(), tag, keepout); err != nil {
		s.fail(w, r, "increment tag", err)
		return
	}
	usage, kept, err := sess.TagUsage(r.Context(), tag)
	if err != nil {
		s.fail(w, r, "read tag", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "usage": usage, "keepout": kept})
}

func (s *Server) addHeartbeat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	worker := chi.URLParam(r, "worker_id")
	if err := sess.AddHeartbeat(r.Context(), worker); err != nil {
		s.fail(w, r, "add heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPostponed(w http.ResponseWriter, r *http.Request) {
	ids, err := s.manager.ListPostponed(r.Context())
	if err != nil {
		s.fail(w, r, "list postponed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) pushPostponed(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.PushPostponed(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		s.fail(w, r, "push postponed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) popPostponed(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.PopPostponed(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Removed from the set, but the session itself is gone.
			writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
			return
		}
		s.fail(w, r, "pop postponed", err)
		return
	}
	resp, err := s.describe(r, sess)
	if err != nil {
		s.fail(w, r, "describe session", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
