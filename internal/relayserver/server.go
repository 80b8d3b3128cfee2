package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"sealdm/internal/domain"
	"sealdm/internal/relay/sse"
)

// DefaultMaxBlobBytes caps a single attachment upload.
const DefaultMaxBlobBytes = 25 << 20

// Config tunes a Server.
type Config struct {
	// PublicURL prefixes blob URLs handed back to clients.
	PublicURL    string
	MaxBlobBytes int64
	PingInterval time.Duration
}

// Server serves the relay HTTP API.
type Server struct {
	cfg     Config
	backend Backend
	broker  Broker
	blobs   *BlobStore
	auth    *Authenticator
	log     *zap.Logger
}

// New builds a Server. blobs may be nil to disable attachments.
func New(cfg Config, backend Backend, broker Broker, blobs *BlobStore, auth *Authenticator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = DefaultMaxBlobBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &Server{cfg: cfg, backend: backend, broker: broker, blobs: blobs, auth: auth, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/keys/{user}", s.putKey).Methods(http.MethodPut)
	api.HandleFunc("/keys/{user}", s.getKey).Methods(http.MethodGet)

	api.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conv}/read", s.markRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conv}/messages", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conv}/messages", s.submitMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conv}/messages/{msg}", s.editMessage).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{conv}/messages/{msg}", s.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{conv}/messages/{msg}/reactions", s.react).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conv}/stream", s.streamChanges).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conv}/typing", s.publishTyping).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conv}/typing", s.streamTyping).Methods(http.MethodGet)

	api.HandleFunc("/blobs", s.uploadBlob).Methods(http.MethodPost)
	api.HandleFunc("/blobs/{id}", s.downloadBlob).Methods(http.MethodGet)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("OK"))
}

func caller(r *http.Request) domain.UserID {
	u, _ := UserFromContext(r.Context())
	return u
}

// participant loads the conversation in the path and checks the caller
// belongs to it.
func (s *Server) participant(r *http.Request) (domain.Conversation, error) {
	id := domain.ConversationID(mux.Vars(r)["conv"])
	c, err := s.backend.GetConversation(r.Context(), id)
	if err != nil {
		return c, err
	}
	if !c.Has(caller(r)) {
		return c, ErrForbidden
	}
	return c, nil
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v); err != nil {
		return invalidf("decode body: %v", err)
	}
	return nil
}

type publicKeyBody struct {
	UserID    domain.UserID       `json:"user_id"`
	PublicKey domain.X25519Public `json:"public_key"`
}

func (s *Server) putKey(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	if user != caller(r) {
		writeError(w, s.log, ErrForbidden)
		return
	}
	var body publicKeyBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.backend.PutPublicKey(r.Context(), user, body.PublicKey); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	key, err := s.backend.GetPublicKey(r.Context(), user)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyBody{UserID: user, PublicKey: key})
}

type createConversationBody struct {
	Participants [2]domain.UserID `json:"participants"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body createConversationBody
	if err := decode(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	a, b := body.Participants[0], body.Participants[1]
	if me := caller(r); a != me && b != me {
		writeError(w, s.log, ErrForbidden)
		return
	}
	c, err := s.backend.UpsertConversation(r.Context(), a, b)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	out, err := s.backend.ListConversations(r.Context(), caller(r))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if out == nil {
		out = []domain.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.backend.MarkRead(r.Context(), c.ID, caller(r)); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, s.log, invalidf("bad since %q", v))
			return
		}
	}
	rows, err := s.backend.MessagesSince(r.Context(), c.ID, since)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if rows == nil {
		rows = []domain.EnvelopeRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var row domain.EnvelopeRow
	if err := decode(r, &row); err != nil {
		writeError(w, s.log, err)
		return
	}
	if row.SenderID != caller(r) {
		writeError(w, s.log, ErrForbidden)
		return
	}
	row.ConversationID = c.ID
	stored, created, err := s.backend.InsertMessage(r.Context(), row)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.notify(r.Context(), domain.ChangeEvent{Kind: domain.ChangeInsert, ConversationID: c.ID, Row: stored})
	}
	writeJSON(w, status, stored)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var edit domain.EditRequest
	if err := decode(r, &edit); err != nil {
		writeError(w, s.log, err)
		return
	}
	edit.ConversationID = c.ID
	edit.MessageID = domain.MessageID(mux.Vars(r)["msg"])
	row, err := s.backend.EditMessage(r.Context(), caller(r), edit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.notify(r.Context(), domain.ChangeEvent{Kind: domain.ChangeUpdate, ConversationID: c.ID, Row: row})
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	id := domain.MessageID(mux.Vars(r)["msg"])
	row, err := s.backend.DeleteMessage(r.Context(), caller(r), c.ID, id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.notify(r.Context(), domain.ChangeEvent{Kind: domain.ChangeUpdate, ConversationID: c.ID, Row: row})
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) react(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var change domain.ReactionChange
	if err := decode(r, &change); err != nil {
		writeError(w, s.log, err)
		return
	}
	change.ConversationID = c.ID
	change.MessageID = domain.MessageID(mux.Vars(r)["msg"])
	change.ReactorID = caller(r)
	row, changed, err := s.backend.ApplyReaction(r.Context(), change)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if changed {
		s.notify(r.Context(), domain.ChangeEvent{
			Kind: domain.ChangeReaction, ConversationID: c.ID, Row: row, Reaction: &change,
		})
	}
	writeJSON(w, http.StatusOK, row)
}

// notify publishes a change. Failures are logged only: subscribers that
// miss an event recover through resync.
func (s *Server) notify(ctx context.Context, ev domain.ChangeEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode change", zap.Error(err))
		return
	}
	if err := s.broker.Publish(context.WithoutCancel(ctx), ChangesTopic(ev.ConversationID), b); err != nil {
		s.log.Warn("publish change",
			zap.String("conversation", string(ev.ConversationID)),
			zap.String("message", string(ev.Row.ID)),
			zap.Error(err))
	}
}

func (s *Server) streamChanges(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.stream(w, r, ChangesTopic(c.ID), "change")
}

func (s *Server) publishTyping(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var ev domain.TypingEvent
	if err := decode(r, &ev); err != nil {
		writeError(w, s.log, err)
		return
	}
	ev.ConversationID = c.ID
	ev.UserID = caller(r)
	ev.ObservedAt = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.broker.Publish(r.Context(), TypingTopic(c.ID), b); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) streamTyping(w http.ResponseWriter, r *http.Request) {
	c, err := s.participant(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.stream(w, r, TypingTopic(c.ID), "typing")
}

// stream subscribes before sending headers, so once the client sees a 200
// every later publish reaches it.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, topic, event string) {
	ch, cancel, err := s.broker.Subscribe(r.Context(), topic)
	if err != nil {
		writeError(w, s.log, fmt.Errorf("subscribe: %w", err))
		return
	}
	defer cancel()

	sw, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.SendRaw(event, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := sw.Ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) uploadBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, s.log, domain.ErrNotFound)
		return
	}
	defer r.Body.Close()
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, s.log, invalidf("missing name"))
		return
	}
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBlobBytes)
	meta, err := s.blobs.Put(caller(r), name, mimeType, body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.AttachmentRef{
		URL:      s.cfg.PublicURL + "/api/v1/blobs/" + meta.ID,
		Name:     meta.Name,
		Size:     meta.Size,
		MimeType: meta.MimeType,
	})
}

func (s *Server) downloadBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, s.log, domain.ErrNotFound)
		return
	}
	meta, f, err := s.blobs.Open(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	http.ServeContent(w, r, meta.Name, time.Time{}, f)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)))
	})
}
