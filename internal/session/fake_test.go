package session

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfeidau/pollsync/internal/push"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeServer implements the session REST surface over an in-memory map.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	sessions map[string]*Session
	requests []recordedRequest
	votes    map[string]Answers
	now      func() time.Time
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		sessions: make(map[string]*Session),
		votes:    make(map[string]Answers),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{code}", f.getSession)
	mux.HandleFunc("POST /api/sessions", f.createSession)
	mux.HandleFunc("POST /api/sessions/{code}/join", f.join)
	mux.HandleFunc("POST /api/sessions/{code}/leave", f.leave)
	mux.HandleFunc("POST /api/sessions/{code}/launch", f.creator(func(s *Session) {
		s.State = StateOpen
		t := f.now()
		s.TimerStartedAt = &t
	}))
	mux.HandleFunc("POST /api/sessions/{code}/close", f.creator(func(s *Session) { s.State = StateClosed }))
	mux.HandleFunc("POST /api/sessions/{code}/results", f.creator(func(s *Session) {
		s.State = StateClosed
		s.ResultsShown = true
	}))
	mux.HandleFunc("POST /api/sessions/{code}/exit", f.creator(func(s *Session) {
		s.State = StateClosed
		s.ExitedWithoutResults = true
	}))
	mux.HandleFunc("DELETE /api/sessions/{code}", f.deleteSession)
	mux.HandleFunc("POST /api/sessions/{code}/votes", f.submitVotes)
	mux.HandleFunc("GET /api/sessions/{code}/time", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"remainingTime": 42})
	})
	mux.HandleFunc("GET /api/sessions/{code}/results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pollTitle":         "Quiz",
			"totalParticipants": 2,
			"questions": []map[string]any{{
				"id": 1, "text": "Pick one",
				"options": []map[string]any{
					{"id": 10, "text": "A", "votes": 1, "isCorrect": false},
					{"id": 11, "text": "B", "votes": 1, "isCorrect": true},
				},
			}},
		})
	})
	mux.HandleFunc("GET /api/sessions/{code}/results/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "Alice Smith" {
			writeJSON(w, http.StatusNotFound, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pollTitle": "Quiz", "correctCount": 1, "totalQuestions": 1,
			"questions": []map[string]any{{
				"id": 1, "text": "Pick one", "isCorrect": true,
				"selectedIndex": 1, "correctAnswerIndex": 1,
				"options": []map[string]any{{"id": 10, "text": "A"}, {"id": 11, "text": "B"}},
			}},
		})
	})

	f.Server = httptest.NewServer(f.record(mux))
	t.Cleanup(f.Close)

	return f
}

func (f *fakeServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Body: string(body)})
		f.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (f *fakeServer) put(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.Code] = s.Clone()
}

func (f *fakeServer) update(code string, fn func(s *Session)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.sessions[code])
}

func (f *fakeServer) lastRequest(method, suffix string) (recordedRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.requests) - 1; i >= 0; i-- {
		r := f.requests[i]
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			return r, true
		}
	}
	return recordedRequest{}, false
}

func (f *fakeServer) count(method, suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.requests {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			n++
		}
	}
	return n
}

func (f *fakeServer) getSession(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	s, ok := f.sessions[r.PathValue("code")]
	if ok {
		s = s.Clone()
	}
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (f *fakeServer) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreatorID string         `json:"creatorId"`
		Title     string         `json:"title"`
		TimeLimit int            `json:"timeLimit"`
		Questions []QuestionSpec `json:"questions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s := &Session{
		Code:      "NEW123",
		CreatorID: req.CreatorID,
		State:     StateWaiting,
		PollTitle: req.Title,
		TimeLimit: req.TimeLimit,
	}
	for i, q := range req.Questions {
		question := Question{ID: ID(string(rune('1' + i))), Text: q.Text, Type: q.Type}
		for _, o := range q.Options {
			question.Options = append(question.Options, Option{Text: o.Text})
		}
		s.Questions = append(s.Questions, question)
	}
	f.put(s)

	writeJSON(w, http.StatusOK, s)
}

func (f *fakeServer) join(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[r.PathValue("code")]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Session not found"})
		return
	}
	if s.State == StateClosed {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Session is closed"})
		return
	}
	if _, taken := s.Participant(req.DisplayName); taken {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Display name already taken", "code": "NAME_TAKEN"})
		return
	}

	p := Participant{ID: ID(string(rune('0' + len(s.Participants) + 1))), Name: req.DisplayName}
	s.Participants = append(s.Participants, p)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"sessionCode":  s.Code,
		"sessionToken": "token-1",
		"participant":  p,
	})
}

func (f *fakeServer) leave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantName string `json:"participantName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[r.PathValue("code")]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false})
		return
	}
	for i, p := range s.Participants {
		if strings.EqualFold(p.Name, req.ParticipantName) {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		}
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Could not leave session"})
}

func (f *fakeServer) creator(fn func(s *Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CreatorID string `json:"creatorId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()

		s, ok := f.sessions[r.PathValue("code")]
		if !ok || s.CreatorID != req.CreatorID {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Cannot perform action"})
			return
		}
		fn(s)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (f *fakeServer) deleteSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreatorID string `json:"creatorId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[r.PathValue("code")]
	if !ok || s.CreatorID != req.CreatorID {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Cannot delete session"})
		return
	}
	delete(f.sessions, s.Code)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (f *fakeServer) submitVotes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantName string  `json:"participantName"`
		Answers         Answers `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[r.PathValue("code")]
	if !ok || s.State == StateWaiting {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Cannot submit votes"})
		return
	}
	f.votes[s.Code+"/"+req.ParticipantName] = req.Answers
	s.VoteCount++
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// fakePush records subscriptions and lets tests publish to them.
type fakePush struct {
	mu       sync.Mutex
	handlers map[string]push.Handler
	history  []string
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string]push.Handler)}
}

func (p *fakePush) Subscribe(destination string, handler push.Handler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[destination] = handler
	p.history = append(p.history, "+"+destination)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, destination)
		p.history = append(p.history, "-"+destination)
	}
}

func (p *fakePush) active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for d := range p.handlers {
		out = append(out, d)
	}
	return out
}

func (p *fakePush) publish(destination, body string) bool {
	p.mu.Lock()
	h, ok := p.handlers[destination]
	p.mu.Unlock()

	if ok {
		h([]byte(body))
	}
	return ok
}
