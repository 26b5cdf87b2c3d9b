package testhelper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type mockAccount struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
	Secret     string `json:"secret,omitempty"`
	Revoked    bool   `json:"revoked"`
}

// MockCredServer fakes the credential service for testing
type MockCredServer struct {
	Server *httptest.Server

	mu       sync.Mutex
	accounts map[string]*mockAccount
	nextID   int

	ListRequests   int
	CreateRequests int
	DeleteRequests int
	GetRequests    int

	// FailuresBeforeSuccess makes GET/list requests return 500 this many
	// times before behaving normally.
	FailuresBeforeSuccess int
	ShouldFailCreate      bool
}

// NewMockCredServer creates a new mock credential server
func NewMockCredServer(t *testing.T) *MockCredServer {
	mock := &MockCredServer{accounts: make(map[string]*mockAccount)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/service-accounts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			mock.handleList(w, r)
		case http.MethodPost:
			mock.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/service-accounts/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/service-accounts/")
		switch r.Method {
		case http.MethodGet:
			mock.handleGet(w, id)
		case http.MethodDelete:
			mock.handleDelete(w, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mock.Server = httptest.NewServer(mux)
	t.Cleanup(mock.Server.Close)
	return mock
}

// URL returns the base URL of the mock server
func (m *MockCredServer) URL() string {
	return m.Server.URL
}

// Seed registers an existing account and returns its ID.
func (m *MockCredServer) Seed(externalID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("sa-%d", m.nextID)
	m.accounts[id] = &mockAccount{
		ID:         id,
		Name:       "workspace-" + externalID,
		ExternalID: externalID,
	}
	return id
}

// Revoked reports whether the account with the given ID has been revoked.
func (m *MockCredServer) Revoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	return ok && acc.Revoked
}

func (m *MockCredServer) failInjected(w http.ResponseWriter) bool {
	if m.FailuresBeforeSuccess > 0 {
		m.FailuresBeforeSuccess--
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"internal_error"}`)
		return true
	}
	return false
}

func (m *MockCredServer) handleList(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListRequests++
	if m.failInjected(w) {
		return
	}

	externalID := r.URL.Query().Get("external_id")
	items := []mockAccount{}
	for _, acc := range m.accounts {
		if externalID == "" || acc.ExternalID == externalID {
			items = append(items, *acc)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func (m *MockCredServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateRequests++
	if m.ShouldFailCreate {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"internal_error"}`)
		return
	}

	var req struct {
		Name       string `json:"name"`
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.nextID++
	acc := &mockAccount{
		ID:         fmt.Sprintf("sa-%d", m.nextID),
		Name:       req.Name,
		ExternalID: req.ExternalID,
		Secret:     fmt.Sprintf("secret-%d", m.nextID),
	}
	m.accounts[acc.ID] = acc

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": acc})
}

func (m *MockCredServer) handleGet(w http.ResponseWriter, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetRequests++
	if m.failInjected(w) {
		return
	}

	acc, ok := m.accounts[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": acc})
}

func (m *MockCredServer) handleDelete(w http.ResponseWriter, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteRequests++

	acc, ok := m.accounts[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	acc.Revoked = true
	w.WriteHeader(http.StatusNoContent)
}
