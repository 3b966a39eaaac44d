package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkrelay/config"
	"github.com/jaywantadh/chunkrelay/internal/session"
	"github.com/jaywantadh/chunkrelay/internal/storage"
)

// Sessions allocates and resolves relay sessions.
type Sessions interface {
	Create() (session.Location, error)
	Resolve(raw string) (session.Location, error)
}

// Server is the relay protocol handler. It keeps no state between
// requests; everything lives in the chunk store.
type Server struct {
	cfg      config.AppConfig
	sessions Sessions
	store    storage.Storage
	log      logrus.FieldLogger
}

// NewServer creates a relay handler over the given registry and store.
func NewServer(cfg config.AppConfig, sessions Sessions, store storage.Storage, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		log:      log,
	}
}

// Handler returns the HTTP handler with all routes. When guard is non-nil
// it wraps the relay endpoint; the health check stays open.
func (s *Server) Handler(guard func(http.Handler) http.Handler) http.Handler {
	var relay http.Handler = http.HandlerFunc(s.handleRelay)
	if guard != nil {
		relay = guard(relay)
	}

	mux := http.NewServeMux()
	mux.Handle(EndpointRelay, relay)
	mux.HandleFunc(EndpointHealth, func(w http.ResponseWriter, r *http.Request) {
		WriteJSONResponse(w, http.StatusOK, Response{OK: true})
	})

	return s.logRequests(s.recoverPanics(mux))
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	action := Action(r.URL.Query().Get(FieldAction))
	if entry, ok := requestEntry(r); ok {
		entry.Data["action"] = string(action)
	}

	switch action {
	case ActionCreateSession:
		if allow(w, r, http.MethodGet, http.MethodPost) {
			s.handleCreateSession(w, r)
		}
	case ActionReady:
		if allow(w, r, http.MethodGet) {
			s.handleReady(w, r)
		}
	case ActionUploadChunk:
		if allow(w, r, http.MethodPost) {
			s.handleUploadChunk(w, r)
		}
	case ActionGetMeta:
		if allow(w, r, http.MethodGet) {
			s.handleGetMeta(w, r)
		}
	case ActionGetChunk:
		if allow(w, r, http.MethodGet) {
			s.handleGetChunk(w, r)
		}
	case ActionConfirmChunk:
		if allow(w, r, http.MethodPost) {
			s.handleConfirmChunk(w, r)
		}
	default:
		WriteErrorResponse(w, http.StatusBadRequest, CodeUnknownAction)
	}
}

// handleCreateSession handles action=create_session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	loc, err := s.sessions.Create()
	if err != nil {
		s.log.WithError(err).Error("❌ session allocation failed")
		WriteErrorResponse(w, http.StatusInternalServerError, CodeAllocationFailed)
		return
	}
	s.log.WithField("session_id", loc.ID).Info("🆕 session created")
	WriteJSONResponse(w, http.StatusOK, Response{OK: true, SessionID: string(loc.ID)})
}

// handleReady handles action=ready. Rejections due to capacity are normal
// answers, so they are sent with status 200.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.resolve(w, r)
	if !ok {
		return
	}
	a, err := s.store.CheckAdmission(loc)
	if err != nil {
		s.writeStoreError(w, loc, err)
		return
	}
	if !a.OK {
		s.log.WithFields(logrus.Fields{
			"session_id": loc.ID,
			"reason":     a.Reason,
			"used":       a.Used,
			"free":       a.Free,
		}).Debug("admission rejected")
		WriteReasonResponse(w, http.StatusOK, string(a.Reason))
		return
	}
	WriteJSONResponse(w, http.StatusOK, Response{OK: true})
}

// handleUploadChunk handles action=upload_chunk (multipart body)
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.ChunkSize + s.cfg.MaxUploadOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteErrorResponse(w, http.StatusRequestEntityTooLarge, CodeChunkTooLarge)
			return
		}
		WriteErrorResponse(w, http.StatusBadRequest, CodeBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	rawIndex := r.FormValue(FieldChunkIndex)
	rawTotal := r.FormValue(FieldTotalChunks)
	fileName := r.FormValue(FieldFileName)
	file, _, err := r.FormFile(FieldChunk)
	if rawIndex == "" || rawTotal == "" || fileName == "" || err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, CodeMissingField)
		return
	}
	defer file.Close()

	index, errIndex := strconv.Atoi(rawIndex)
	total, errTotal := strconv.Atoi(rawTotal)
	if errIndex != nil || errTotal != nil || index < 0 || total < 1 {
		WriteErrorResponse(w, http.StatusBadRequest, CodeInvalidIndex)
		return
	}

	loc, ok := s.resolve(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.ChunkSize+1))
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, CodeBadRequest)
		return
	}

	err = s.store.WriteChunk(loc, storage.ChunkWrite{
		Index:       index,
		TotalChunks: total,
		FileName:    fileName,
		Data:        data,
	})
	if err != nil {
		s.writeStoreError(w, loc, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, Response{OK: true})
}

// handleGetMeta handles action=get_meta
func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.resolve(w, r)
	if !ok {
		return
	}
	meta, err := s.store.ReadMetadata(loc)
	if err != nil {
		s.writeStoreError(w, loc, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, Response{
		OK:          true,
		FileName:    meta.FileName,
		TotalChunks: meta.TotalChunks,
	})
}

// handleGetChunk handles action=get_chunk. Any missing session or chunk is a
// plain 404, which receivers read as "not yet available".
func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	index, ok := chunkIndex(w, r)
	if !ok {
		return
	}
	loc, err := s.sessions.Resolve(r.FormValue(FieldSessionID))
	if err != nil {
		if !errors.Is(err, session.ErrInvalidID) && !errors.Is(err, session.ErrNotFound) {
			s.log.WithError(err).Error("session lookup failed")
		}
		WriteErrorResponse(w, http.StatusNotFound, CodeNotFound)
		return
	}

	rc, size, err := s.store.OpenChunk(loc, index)
	if err != nil {
		s.writeStoreError(w, loc, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.WithError(err).WithField("session_id", loc.ID).Warn("chunk stream interrupted")
	}
}

// handleConfirmChunk handles action=confirm_chunk
func (s *Server) handleConfirmChunk(w http.ResponseWriter, r *http.Request) {
	index, ok := chunkIndex(w, r)
	if !ok {
		return
	}
	loc, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteChunk(loc, index); err != nil {
		s.writeStoreError(w, loc, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, Response{OK: true})
}

// resolve looks up the session named in the request and writes the
// invalid_session rejection itself when that fails.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (session.Location, bool) {
	raw := r.FormValue(FieldSessionID)
	if raw == "" {
		WriteErrorResponse(w, http.StatusBadRequest, CodeMissingField)
		return session.Location{}, false
	}
	loc, err := s.sessions.Resolve(raw)
	switch {
	case err == nil:
		if entry, ok := requestEntry(r); ok {
			entry.Data["session_id"] = string(loc.ID)
		}
		return loc, true
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, session.ErrNotFound):
		WriteReasonResponse(w, http.StatusNotFound, CodeInvalidSession)
	default:
		s.log.WithError(err).Error("session lookup failed")
		WriteErrorResponse(w, http.StatusInternalServerError, CodeStorageError)
	}
	return session.Location{}, false
}

func (s *Server) writeStoreError(w http.ResponseWriter, loc session.Location, err error) {
	var admission *storage.AdmissionError
	switch {
	case errors.As(err, &admission):
		WriteReasonResponse(w, http.StatusInsufficientStorage, string(admission.Admission.Reason))
	case errors.Is(err, storage.ErrSessionGone):
		WriteReasonResponse(w, http.StatusNotFound, CodeInvalidSession)
	case errors.Is(err, storage.ErrNotFound):
		WriteErrorResponse(w, http.StatusNotFound, CodeNotFound)
	case errors.Is(err, storage.ErrInvalidChunk):
		WriteErrorResponse(w, http.StatusBadRequest, CodeInvalidIndex)
	case errors.Is(err, storage.ErrIndexOutOfRange):
		WriteErrorResponse(w, http.StatusBadRequest, CodeIndexOutOfRange)
	case errors.Is(err, storage.ErrChunkTooLarge):
		WriteErrorResponse(w, http.StatusRequestEntityTooLarge, CodeChunkTooLarge)
	case errors.Is(err, storage.ErrTotalMismatch):
		WriteErrorResponse(w, http.StatusConflict, CodeTotalMismatch)
	case errors.Is(err, storage.ErrDrained):
		WriteErrorResponse(w, http.StatusConflict, CodeSessionDrained)
	default:
		s.log.WithError(err).WithField("session_id", loc.ID).Error("❌ storage failure")
		WriteErrorResponse(w, http.StatusInternalServerError, CodeStorageError)
	}
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	WriteErrorResponse(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed)
	return false
}

func chunkIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.FormValue(FieldChunkIndex)
	if raw == "" {
		WriteErrorResponse(w, http.StatusBadRequest, CodeMissingField)
		return 0, false
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		WriteErrorResponse(w, http.StatusBadRequest, CodeInvalidIndex)
		return 0, false
	}
	return index, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type entryKey struct{}

func contextWithEntry(r *http.Request, entry *logrus.Entry) context.Context {
	return context.WithValue(r.Context(), entryKey{}, entry)
}

func requestEntry(r *http.Request) (*logrus.Entry, bool) {
	entry, ok := r.Context().Value(entryKey{}).(*logrus.Entry)
	return entry, ok
}

// logRequests tags each request with an id and logs one line when it ends.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		entry := s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(contextWithEntry(r, entry)))

		entry.WithFields(logrus.Fields{
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.WithField("panic", v).Error("❌ handler panic")
				WriteErrorResponse(w, http.StatusInternalServerError, CodeInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
