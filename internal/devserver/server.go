// Package devserver is a small stand-in for the real portal backend: login,
// paged notifications and the live WebSocket channel. It exists so the
// client stack can be run and tested end to end without the production API.
package devserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campusport.org/internal/ids"
	"campusport.org/internal/notification"
	"campusport.org/internal/obs"
	"campusport.org/internal/realtime"
	"campusport.org/internal/session"
)

const tokenTTL = 24 * time.Hour

type devUser struct {
	identity session.Identity
	password string
}

// Server holds the in-memory dev portal state.
type Server struct {
	secret []byte
	hub    *hub

	mu     sync.Mutex
	users  map[string]devUser // keyed by email
	notifs map[string][]notification.Notification // keyed by user id, newest first

	upgrader   websocket.Upgrader
	rateBurst  int
	ratePerSec int
}

// New creates a devserver seeded with demo users and notifications.
func New(secret string) *Server {
	s := &Server{
		secret: []byte(secret),
		hub:    newHub(),
		users:  make(map[string]devUser),
		notifs: make(map[string][]notification.Notification),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rateBurst:  50,
		ratePerSec: 25,
	}
	s.seed()
	return s
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "campusport-dev"})
	})
	r.Handle("/metrics", obs.Handler())

	r.Post("/v1/auth/login", s.handleLogin)
	r.Get("/v1/ws", s.handleSocket)

	r.Group(func(pr chi.Router) {
		pr.Use(s.withAuth)
		pr.Get("/v1/users/me", s.handleMe)
		pr.Get("/v1/notifications", s.handleNotifications)
	})

	return obs.Instrument(rateLimit(r, s.rateBurst, s.ratePerSec))
}

// --- Handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	u, ok := s.users[strings.ToLower(strings.TrimSpace(req.Email))]
	s.mu.Unlock()
	if !ok || subtle.ConstantTimeCompare([]byte(u.password), []byte(req.Password)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.generateToken(u.identity, tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  u.identity,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 10)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	s.mu.Lock()
	list := s.notifs[identity.ID]
	total := len(list)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	items := make([]notification.Notification, end-start)
	copy(items, list[start:end])
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, notification.Page{
		Items: items,
		Pagination: notification.PageInfo{
			Page:  page,
			Limit: limit,
			Total: total,
		},
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parseToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	userID := claims.Subject

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.LogEvent("ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := s.hub.subscribe(ctx, userID)

	// Current unread count is the first frame on every connection.
	if err := conn.WriteJSON(realtime.Event{
		Name: realtime.EventUnreadCount,
		Data: mustJSON(s.unreadCount(userID)),
	}); err != nil {
		return
	}

	go func() {
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Name == realtime.EventMarkAllRead {
			s.markAllRead(userID)
		}
	}
}

// --- State mutation ---

// Push stores a notification for the user and broadcasts it with the
// updated unread count.
func (s *Server) Push(userID string, n notification.Notification) {
	s.mu.Lock()
	s.notifs[userID] = append([]notification.Notification{n}, s.notifs[userID]...)
	s.mu.Unlock()

	s.hub.publish(userID, realtime.Event{Name: realtime.EventNotification, Data: mustJSON(n)})
	s.hub.publish(userID, realtime.Event{Name: realtime.EventUnreadCount, Data: mustJSON(s.unreadCount(userID))})
}

func (s *Server) markAllRead(userID string) {
	s.mu.Lock()
	list := s.notifs[userID]
	for i := range list {
		list[i].Read = true
	}
	s.mu.Unlock()

	s.hub.publish(userID, realtime.Event{Name: realtime.EventUnreadCount, Data: mustJSON(0)})
}

func (s *Server) unreadCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifs[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

// StartDemo pushes a random notification to every seeded user at the given
// interval until the returned stop function is called.
func (s *Server) StartDemo(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				users := make([]string, 0, len(s.users))
				for _, u := range s.users {
					users = append(users, u.identity.ID)
				}
				s.mu.Unlock()
				for _, id := range users {
					s.Push(id, randomDemoNotification())
				}
			}
		}
	}()
	return cancel
}

// --- Seed data ---

func (s *Server) seed() {
	seedUsers := []devUser{
		{
			identity: session.Identity{ID: uuid.NewString(), Name: "Ada Admin", Email: "admin@campusport.dev", Role: session.RoleAdmin},
			password: "admin-pass",
		},
		{
			identity: session.Identity{ID: uuid.NewString(), Name: "Imre Instructor", Email: "instructor@campusport.dev", Role: session.RoleInstructor},
			password: "instructor-pass",
		},
		{
			identity: session.Identity{ID: uuid.NewString(), Name: "Sam Student", Email: "student@campusport.dev", Role: session.RoleStudent},
			password: "student-pass",
		},
	}
	for _, u := range seedUsers {
		s.users[u.identity.Email] = u
		s.notifs[u.identity.ID] = []notification.Notification{
			{
				ID:        ids.New(),
				Type:      notification.TypeLogin,
				Message:   "Welcome back to Campusport.",
				CreatedAt: time.Now().UTC(),
			},
			{
				ID:        ids.New(),
				Type:      notification.TypeSignup,
				Message:   "Your account was created.",
				Read:      true,
				CreatedAt: time.Now().UTC().Add(-24 * time.Hour),
			},
		}
	}
}

var demoMessages = map[notification.Type]string{
	notification.TypeCourseCreated:      "A new course was published.",
	notification.TypeCourseUpdated:      "A course you follow was updated.",
	notification.TypeAssignmentCreated:  "A new assignment was posted.",
	notification.TypeAssignmentDue:      "An assignment is due soon.",
	notification.TypeSubmissionReceived: "Your submission was received.",
	notification.TypeSubmissionGraded:   "Your submission was graded.",
}

func randomDemoNotification() notification.Notification {
	types := make([]notification.Type, 0, len(demoMessages))
	for t := range demoMessages {
		types = append(types, t)
	}
	t := types[rand.Intn(len(types))]
	n := notification.Notification{
		ID:        ids.New(),
		Type:      t,
		Message:   demoMessages[t],
		CreatedAt: time.Now().UTC(),
	}
	switch t {
	case notification.TypeCourseCreated, notification.TypeCourseUpdated:
		n.Ref = &notification.Ref{Kind: "course", ID: uuid.NewString()}
	case notification.TypeAssignmentCreated, notification.TypeAssignmentDue:
		n.Ref = &notification.Ref{Kind: "assignment", ID: uuid.NewString()}
	default:
		n.Ref = &notification.Ref{Kind: "submission", ID: uuid.NewString()}
	}
	return n
}

// --- Auth middleware ---

type ctxKey string

const identityKey ctxKey = "devserver_identity"

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.parseToken(strings.TrimSpace(header[len("bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		identity := session.Identity{
			ID:    claims.Subject,
			Name:  claims.Name,
			Email: claims.Email,
			Role:  session.Role(claims.Role),
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (session.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(session.Identity)
	return identity, ok
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
