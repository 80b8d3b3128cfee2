// Package relaytest runs a real relay server in-process for component tests
// and adds fault injection around it: failing submissions, refusing
// streams and dropping live streams.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sealdm/internal/domain"
	"sealdm/internal/relay"
	"sealdm/internal/relayserver"
)

// Relay is an in-process relay server.
type Relay struct {
	Backend *relayserver.MemoryBackend
	Broker  *relayserver.MemoryBroker

	srv  *httptest.Server
	auth *relayserver.Authenticator

	submissions atomic.Int64
	keyPublish  atomic.Int64

	mu            sync.Mutex
	failSubmits   int
	failKeys      int
	refuseStreams bool
}

// New starts a relay that is shut down when t finishes.
func New(t testing.TB) *Relay {
	t.Helper()
	auth, err := relayserver.NewAuthenticator("relaytest", "relaytest", time.Hour)
	if err != nil {
		t.Fatalf("relaytest: %v", err)
	}
	blobs, err := relayserver.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("relaytest: %v", err)
	}
	r := &Relay{
		Backend: relayserver.NewMemoryBackend(),
		Broker:  relayserver.NewMemoryBroker(nil),
		auth:    auth,
	}
	s := relayserver.New(relayserver.Config{PingInterval: time.Second}, r.Backend, r.Broker, blobs, auth, nil)
	r.srv = httptest.NewServer(r.faults(s.Handler()))
	t.Cleanup(func() {
		_ = r.Broker.Close()
		r.srv.Close()
	})
	return r
}

// URL is the relay's base URL.
func (r *Relay) URL() string { return r.srv.URL }

// Client returns an HTTP relay client authenticated as user.
func (r *Relay) Client(t testing.TB, user domain.UserID) *relay.HTTP {
	t.Helper()
	tok, err := r.auth.Issue(user)
	if err != nil {
		t.Fatalf("relaytest: issue token: %v", err)
	}
	return relay.NewHTTP(r.srv.URL, tok, nil)
}

// Token mints a bearer token for user.
func (r *Relay) Token(user domain.UserID) (string, error) { return r.auth.Issue(user) }

// Submissions counts message submissions (insert, edit, delete, reaction)
// that reached the relay, including failed ones.
func (r *Relay) Submissions() int { return int(r.submissions.Load()) }

// KeyPublishes counts public key publish attempts.
func (r *Relay) KeyPublishes() int { return int(r.keyPublish.Load()) }

// FailSubmits makes the next n submissions answer 503.
func (r *Relay) FailSubmits(n int) {
	r.mu.Lock()
	r.failSubmits = n
	r.mu.Unlock()
}

// FailKeyPublishes makes the next n key publishes answer 503.
func (r *Relay) FailKeyPublishes(n int) {
	r.mu.Lock()
	r.failKeys = n
	r.mu.Unlock()
}

// RefuseStreams makes new change and typing streams answer 503 while on.
func (r *Relay) RefuseStreams(on bool) {
	r.mu.Lock()
	r.refuseStreams = on
	r.mu.Unlock()
}

// DropStreams closes every live change stream of conv.
func (r *Relay) DropStreams(conv domain.ConversationID) {
	r.Broker.Disconnect(relayserver.ChangesTopic(conv))
}

func (r *Relay) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		switch {
		case isSubmission(req):
			r.submissions.Add(1)
			if r.take(&r.failSubmits) {
				unavailable(w)
				return
			}
		case req.Method == http.MethodPut && strings.HasPrefix(path, "/api/v1/keys/"):
			r.keyPublish.Add(1)
			if r.take(&r.failKeys) {
				unavailable(w)
				return
			}
		case req.Method == http.MethodGet && (strings.HasSuffix(path, "/stream") || strings.HasSuffix(path, "/typing")):
			r.mu.Lock()
			refuse := r.refuseStreams
			r.mu.Unlock()
			if refuse {
				unavailable(w)
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Relay) take(counter *int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func isSubmission(req *http.Request) bool {
	if !strings.Contains(req.URL.Path, "/messages") {
		return false
	}
	return req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodDelete
}

func unavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"injected failure","code":"internal"}`))
}
