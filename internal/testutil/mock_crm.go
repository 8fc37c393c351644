// Package testutil provides a mock CRM API and authorization server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Paths served by MockCRM.
const (
	APIPath   = "/crm/v2/"
	TokenPath = "/oauth/v2/token"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// ModuleConfig describes the paged data a module serves.
type ModuleConfig struct {
	// PageSizes lists how many records each page holds. Pages past the end
	// answer 204 No Content.
	PageSizes []int
	// IDKey names the identifier field (default "id").
	IDKey string
	// SingleAsObject encodes one-record pages as a bare object instead of an array.
	SingleAsObject bool
}

type pageKey struct {
	module string
	page   int
}

// MockCRM is a configurable mock of the records API and its token endpoint.
type MockCRM struct {
	server *httptest.Server

	mu          sync.RWMutex
	handlers    map[string]http.HandlerFunc
	modules     map[string]ModuleConfig
	delays      map[pageKey]time.Duration
	pageErrors  map[pageKey]MockResponse
	tokenResp   *MockResponse
	tokenCount  int
	requests    int
	pageOrder   map[string][]int
	lastHeaders http.Header
}

// NewMockCRM starts a mock server.
func NewMockCRM() *MockCRM {
	m := &MockCRM{
		handlers:   make(map[string]http.HandlerFunc),
		modules:    make(map[string]ModuleConfig),
		delays:     make(map[pageKey]time.Duration),
		pageErrors: make(map[pageKey]MockResponse),
		pageOrder:  make(map[string][]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server root URL.
func (m *MockCRM) URL() string { return m.server.URL }

// BaseURL returns the records API root.
func (m *MockCRM) BaseURL() string { return m.server.URL + APIPath }

// TokenEndpoint returns the authorization endpoint base URL.
func (m *MockCRM) TokenEndpoint() string {
	return m.server.URL + strings.TrimSuffix(TokenPath, "token")
}

// Close shuts down the mock server.
func (m *MockCRM) Close() { m.server.Close() }

// SetModule configures the paged data served for module.
func (m *MockCRM) SetModule(module string, cfg ModuleConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[module] = cfg
}

// SetPages is SetModule with default options.
func (m *MockCRM) SetPages(module string, sizes ...int) {
	m.SetModule(module, ModuleConfig{PageSizes: sizes})
}

// SetPageDelay delays the answer for one page.
func (m *MockCRM) SetPageDelay(module string, page int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[pageKey{module, page}] = d
}

// SetPageResponse replaces the answer for one page.
func (m *MockCRM) SetPageResponse(module string, page int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageErrors[pageKey{module, page}] = resp
}

// SetHandler sets a custom handler for a path, taking precedence over modules.
func (m *MockCRM) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetTokenResponse replaces the token endpoint answer.
func (m *MockCRM) SetTokenResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenResp = &resp
}

// TokenCount returns the number of token endpoint calls.
func (m *MockCRM) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokenCount
}

// RequestCount returns the number of records API calls.
func (m *MockCRM) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// PageRequests returns the pages requested for module in arrival order.
func (m *MockCRM) PageRequests(module string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.pageOrder[module]...)
}

// LastRequestHeader returns the headers of the last records API call.
func (m *MockCRM) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeaders.Clone()
}

// Reset clears all tracking counters.
func (m *MockCRM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = 0
	m.tokenCount = 0
	m.pageOrder = make(map[string][]int)
	m.lastHeaders = nil
}

func (m *MockCRM) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == TokenPath {
		m.serveToken(w, r)
		return
	}

	m.mu.RLock()
	handler, ok := m.handlers[r.URL.Path]
	m.mu.RUnlock()
	if ok {
		m.track(r, "", 0)
		handler(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, APIPath) {
		http.NotFound(w, r)
		return
	}
	module := strings.Trim(strings.TrimPrefix(r.URL.Path, APIPath), "/")

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			page = n
		}
	}
	m.track(r, module, page)

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeResponse(w, r, NewErrorResponse(http.StatusUnauthorized, "INVALID_TOKEN", "invalid oauth token"))
		return
	}

	m.mu.RLock()
	cfg, known := m.modules[module]
	delay := m.delays[pageKey{module, page}]
	override, overridden := m.pageErrors[pageKey{module, page}]
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case overridden:
		writeResponse(w, r, override)
	case !known:
		writeResponse(w, r, NewErrorResponse(http.StatusBadRequest, "INVALID_MODULE", "the module name given seems to be invalid"))
	case page < 1 || page > len(cfg.PageSizes) || cfg.PageSizes[page-1] == 0:
		writeResponse(w, r, MockResponse{StatusCode: http.StatusNoContent})
	default:
		writeResponse(w, r, MockResponse{StatusCode: http.StatusOK, Body: pageBody(module, cfg, page)})
	}
}

func (m *MockCRM) track(r *http.Request, module string, page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.lastHeaders = r.Header.Clone()
	if module != "" {
		m.pageOrder[module] = append(m.pageOrder[module], page)
	}
}

func (m *MockCRM) serveToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.tokenCount++
	n := m.tokenCount
	custom := m.tokenResp
	m.mu.Unlock()

	if custom != nil {
		writeResponse(w, r, *custom)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		writeResponse(w, r, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error":"invalid_request"}`})
		return
	}
	writeResponse(w, r, MockResponse{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf(`{"access_token":"mock-access-%d","expires_in":3600,"token_type":"Bearer"}`, n),
	})
}

// RecordID returns the identifier the mock assigns to the n-th record of module.
func RecordID(module string, n int) string {
	return fmt.Sprintf("%s-%04d", module, n)
}

func pageBody(module string, cfg ModuleConfig, page int) string {
	idKey := cfg.IDKey
	if idKey == "" {
		idKey = "id"
	}

	offset := 0
	for _, size := range cfg.PageSizes[:page-1] {
		offset += size
	}
	size := cfg.PageSizes[page-1]

	records := make([]map[string]any, 0, size)
	for i := 1; i <= size; i++ {
		n := offset + i
		records = append(records, map[string]any{
			idKey:       RecordID(module, n),
			"Last_Name": fmt.Sprintf("Name %d", n),
			"Email":     fmt.Sprintf("record%d@example.com", n),
		})
	}

	var data any = records
	if cfg.SingleAsObject && size == 1 {
		data = records[0]
	}

	envelope := map[string]any{
		"data": data,
		"info": map[string]any{
			"page":         page,
			"per_page":     size,
			"count":        size,
			"more_records": page < len(cfg.PageSizes),
		},
	}
	b, _ := json.Marshal(envelope)
	return string(b)
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")
	if resp.Body != "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" && status != http.StatusNoContent && status != http.StatusNotModified {
		w.Write([]byte(resp.Body))
	}
}

// NewErrorResponse creates a structured API error response.
func NewErrorResponse(status int, code, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"code":%q,"details":{},"message":%q,"status":"error"}`, code, message),
	}
}

// NewRateLimitResponse creates a 429 answer carrying code 4820.
func NewRateLimitResponse() MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "4820", "API call limit exceeded")
	resp.Headers = map[string]string{
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     "30",
	}
	return resp
}

// NewServerErrorResponse creates a 500 answer with a non-JSON body.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: "internal error"}
}
