// Package cloudapitest provides an in-memory management API for tests.
package cloudapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// TopToken is issued for a successful password grant.
	TopToken = "top-token"
	// scopedPrefix prefixes tokens issued by the jwt-bearer grant.
	scopedPrefix = "scoped:"
)

// Tenant is a tenant known to the fake API.
type Tenant struct {
	ID       uuid.UUID
	Name     string
	Kind     string
	ParentID uuid.UUID
	UserIDs  []uuid.UUID
}

// User is a user known to the fake API.
type User struct {
	ID               uuid.UUID
	Login            string
	Email            string
	TenantID         uuid.UUID
	PersonalTenantID uuid.UUID
}

// Agent is served to sessions scoped into the owning personal tenant.
type Agent struct {
	ID               uuid.UUID
	Name             string
	Online           bool
	Version          string
	OS               string
	AvailableVersion string
	Status           string
}

// Server is a fake management API. Its account lookup points back at itself.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	login    string
	password string
	me       uuid.UUID
	tenants  map[uuid.UUID]Tenant
	users    map[uuid.UUID]User
	agents   map[uuid.UUID][]Agent
	failures map[string]int
	requests []string
	updates  []uuid.UUID
}

// NewServer starts a fake API accepting the given credentials. Close it when done.
func NewServer(login, password string) *Server {
	s := &Server{
		login:    login,
		password: password,
		tenants:  make(map[uuid.UUID]Tenant),
		users:    make(map[uuid.UUID]User),
		agents:   make(map[uuid.UUID][]Agent),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/1/accounts", s.handleAccounts)
	mux.HandleFunc("POST /api/2/idp/token", s.handleDirectToken)
	mux.HandleFunc("POST /bc/idp/token", s.handleScopedToken)
	mux.HandleFunc("GET /api/2/users/me", s.authed(s.handleMe))
	mux.HandleFunc("GET /api/2/users/{id}", s.authed(s.handleUser))
	mux.HandleFunc("GET /api/2/tenants", s.authed(s.handleChildren))
	mux.HandleFunc("GET /api/2/tenants/{id}", s.authed(s.handleTenant))
	mux.HandleFunc("GET /api/2/tenants/{id}/users", s.authed(s.handleTenantUsers))
	mux.HandleFunc("GET /bc/api/resource_manager/v1/agents", s.authed(s.handleAgents))
	mux.HandleFunc("POST /bc/api/ams/resource_operations/run_auto_update", s.authed(s.handleUpdate))

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.RequestURI())
		status, failing := s.failures[r.URL.Path]
		s.mu.Unlock()
		if failing {
			http.Error(w, "injected failure", status)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// AddTenant registers a tenant.
func (s *Server) AddTenant(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// AddUser registers a user and appends it to its tenant's user list.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	if t, ok := s.tenants[u.TenantID]; ok {
		t.UserIDs = append(t.UserIDs, u.ID)
		s.tenants[u.TenantID] = t
	}
}

// SetMe selects the user returned by /api/2/users/me.
func (s *Server) SetMe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.me = id
}

// AddAgent registers an agent visible to sessions scoped into personalTenantID.
func (s *Server) AddAgent(personalTenantID uuid.UUID, a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[personalTenantID] = append(s.agents[personalTenantID], a)
}

// FailPath makes every request to path answer with status.
func (s *Server) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

// Requests returns "METHOD /path?query" for every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RequestsTo counts requests whose path starts with prefix.
func (s *Server) RequestsTo(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		_, target, _ := strings.Cut(r, " ")
		if strings.HasPrefix(target, prefix) {
			n++
		}
	}
	return n
}

// Updates returns the agent ids passed to run_auto_update.
func (s *Server) Updates() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.updates...)
}

func (s *Server) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r, token)
	}
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"server_url": s.URL})
}

func (s *Server) handleDirectToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "password" {
		http.Error(w, "unsupported grant", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("username") != s.login || r.PostForm.Get("password") != s.password {
		http.Error(w, "bad credentials", http.StatusForbidden)
		return
	}
	writeJSON(w, map[string]any{"access_token": TopToken, "token_type": "bearer", "expires_in": 3600})
}

func (s *Server) handleScopedToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" || r.PostForm.Get("assertion") != TopToken {
		http.Error(w, "bad assertion", http.StatusUnauthorized)
		return
	}
	tenant, ok := strings.CutPrefix(r.PostForm.Get("scope"), "urn:acronis.com:tenant-id:")
	if !ok {
		http.Error(w, "bad scope", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"access_token": scopedPrefix + tenant, "token_type": "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	u, ok := s.users[s.me]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, userJSON(u))
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	u, ok := s.users[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, userJSON(u))
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	t, ok := s.tenants[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, tenantJSON(t))
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request, _ string) {
	parent, err := uuid.Parse(r.URL.Query().Get("parent_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	items := []map[string]string{}
	for _, t := range s.tenants {
		if t.ParentID == parent && t.ID != parent {
			items = append(items, tenantJSON(t))
		}
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i]["name"] < items[j]["name"] })
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleTenantUsers(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	t, ok := s.tenants[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	items := make([]string, 0, len(t.UserIDs))
	for _, uid := range t.UserIDs {
		items = append(items, uid.String())
	}
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request, token string) {
	scope, ok := strings.CutPrefix(token, scopedPrefix)
	if !ok {
		http.Error(w, "agents require a scoped token", http.StatusForbidden)
		return
	}
	id, err := uuid.Parse(scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	agents := append([]Agent(nil), s.agents[id]...)
	s.mu.Unlock()

	items := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		items = append(items, map[string]any{
			"id":            a.ID.String(),
			"name":          a.Name,
			"communication": map[string]any{"online": a.Online},
			"details": map[string]any{
				"version": a.Version,
				"os":      map[string]any{"name": a.OS},
			},
			"updateState": map[string]any{"version": a.AvailableVersion, "status": a.Status},
		})
	}
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, token string) {
	if !strings.HasPrefix(token, scopedPrefix) {
		http.Error(w, "updates require a scoped token", http.StatusForbidden)
		return
	}
	var body struct {
		MachinesIDs []string `json:"machinesIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.MachinesIDs) != 1 {
		http.Error(w, fmt.Sprintf("bad body: %v", err), http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(body.MachinesIDs[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.updates = append(s.updates, id)
	s.mu.Unlock()
	writeJSON(w, map[string]any{"data": []map[string]string{{"activity_id": uuid.NewString()}}})
}

func userJSON(u User) map[string]any {
	personal := ""
	if u.PersonalTenantID != uuid.Nil {
		personal = u.PersonalTenantID.String()
	}
	return map[string]any{
		"id":                 u.ID.String(),
		"login":              u.Login,
		"tenant_id":          u.TenantID.String(),
		"personal_tenant_id": personal,
		"contact":            map[string]string{"firstname": "", "lastname": "", "email": u.Email},
	}
}

func tenantJSON(t Tenant) map[string]string {
	return map[string]string{
		"id":        t.ID.String(),
		"name":      t.Name,
		"kind":      t.Kind,
		"parent_id": t.ParentID.String(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
