// Package fhirtest provides an in-memory FHIR vendor for tests: a search and
// read endpoint over seeded resources plus an OAuth2 token endpoint.
package fhirtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// TokenPath is where the fake token endpoint listens.
const TokenPath = "/oauth2/token"

// RecordedRequest is what the server saw for one call.
type RecordedRequest struct {
	Method        string
	Path          string
	Query         url.Values
	Form          url.Values
	Authorization string
	Headers       http.Header
}

type rawResponse struct {
	status int
	body   string
}

// Server is a fake FHIR vendor backed by httptest.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	resources    map[string][]map[string]any
	searchStatus map[string]int
	readStatus   map[string]int
	requests     []RecordedRequest

	requiredToken string
	raw           map[string]rawResponse
	tokenStatus   int
	tokenBody     string
	tokenCalls    atomic.Int32
}

// NewServer starts a fake vendor that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		resources:    make(map[string][]map[string]any),
		searchStatus: make(map[string]int),
		readStatus:   make(map[string]int),
		raw:          make(map[string]rawResponse),
		tokenStatus:  http.StatusOK,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// TokenURL is the absolute URL of the token endpoint.
func (s *Server) TokenURL() string {
	return s.URL + TokenPath
}

// Add seeds resources. Each value is marshalled to JSON and must carry
// resourceType and id.
func (s *Server) Add(resources ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			panic(err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			panic(err)
		}
		rt, _ := generic["resourceType"].(string)
		s.resources[rt] = append(s.resources[rt], generic)
	}
}

// FailSearch makes every search of resourceType answer with status.
func (s *Server) FailSearch(resourceType string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchStatus[resourceType] = status
}

// FailRead makes reads of resourceType/id answer with status.
func (s *Server) FailRead(resourceType, id string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readStatus[resourceType+"/"+id] = status
}

// RequireToken makes resource endpoints answer 401 unless the request
// carries "Bearer <token>".
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredToken = token
}

// IssueToken configures the token endpoint's successful response.
func (s *Server) IssueToken(token string, expiresIn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = http.StatusOK
	s.tokenBody = fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":%d}`, token, expiresIn)
}

// ServeRaw makes reads and searches of resourceType answer with status and
// an HTML body, the way a vendor behind a maintenance page does. An empty
// resourceType applies to every resource endpoint.
func (s *Server) ServeRaw(resourceType string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[resourceType] = rawResponse{status: status, body: body}
}

// SetTokenResponse makes the token endpoint answer with a raw status and body.
func (s *Server) SetTokenResponse(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
	s.tokenBody = body
}

// TokenCalls counts requests to the token endpoint.
func (s *Server) TokenCalls() int {
	return int(s.tokenCalls.Load())
}

// Requests returns a copy of every request seen so far, token calls included.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// RequestsFor returns the recorded requests whose path starts with /<resourceType>.
func (s *Server) RequestsFor(resourceType string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range s.Requests() {
		if strings.HasPrefix(r.Path, "/"+resourceType) {
			out = append(out, r)
		}
	}
	return out
}

// TokenForms returns the form bodies posted to the token endpoint.
func (s *Server) TokenForms() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []url.Values
	for _, r := range s.requests {
		if r.Path == TokenPath {
			out = append(out, r.Form)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	rec := RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		Form:          r.PostForm,
		Authorization: r.Header.Get("Authorization"),
		Headers:       r.Header.Clone(),
	}

	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	if r.URL.Path == TokenPath {
		s.handleToken(w)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	s.mu.Lock()
	required := s.requiredToken
	raw, isRaw := s.raw[parts[0]]
	if !isRaw {
		raw, isRaw = s.raw[""]
	}
	s.mu.Unlock()
	if isRaw {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(raw.status)
		_, _ = w.Write([]byte(raw.body))
		return
	}
	if required != "" && rec.Authorization != "Bearer "+required {
		writeOutcome(w, http.StatusUnauthorized, "login", "missing or invalid bearer token")
		return
	}

	switch len(parts) {
	case 1:
		s.handleSearch(w, parts[0], rec.Query)
	case 2:
		s.handleRead(w, parts[0], parts[1])
	default:
		writeOutcome(w, http.StatusNotFound, "not-found", "unknown path")
	}
}

func (s *Server) handleToken(w http.ResponseWriter) {
	s.tokenCalls.Add(1)

	s.mu.Lock()
	status, body := s.tokenStatus, s.tokenBody
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleRead(w http.ResponseWriter, resourceType, id string) {
	s.mu.Lock()
	status, failing := s.readStatus[resourceType+"/"+id]
	var found map[string]any
	for _, res := range s.resources[resourceType] {
		if res["id"] == id {
			found = res
			break
		}
	}
	s.mu.Unlock()

	if failing {
		writeOutcome(w, status, "exception", "injected failure")
		return
	}
	if found == nil {
		writeOutcome(w, http.StatusNotFound, "not-found", resourceType+"/"+id+" is not known")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleSearch(w http.ResponseWriter, resourceType string, query url.Values) {
	s.mu.Lock()
	status, failing := s.searchStatus[resourceType]
	candidates := append([]map[string]any(nil), s.resources[resourceType]...)
	s.mu.Unlock()

	if failing {
		writeOutcome(w, status, "exception", "injected failure")
		return
	}

	var matched []map[string]any
	for _, res := range candidates {
		if matches(res, query) {
			matched = append(matched, res)
		}
	}
	if n, err := strconv.Atoi(query.Get("_count")); err == nil && n >= 0 && n < len(matched) {
		matched = matched[:n]
	}

	entries := make([]map[string]any, 0, len(matched))
	for _, res := range matched {
		entries = append(entries, map[string]any{"resource": res})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(entries),
		"entry":        entries,
	})
}

// matches applies the reference search parameters the fake understands:
// patient, subject, practitioner and participant.
func matches(res map[string]any, query url.Values) bool {
	if want := query.Get("patient"); want != "" {
		if !referenceEquals(res["subject"], "Patient/"+want) && !referenceEquals(res["patient"], "Patient/"+want) {
			return false
		}
	}
	if want := query.Get("subject"); want != "" {
		if !referenceEquals(res["subject"], want) && !referenceEquals(res["subject"], "Patient/"+want) {
			return false
		}
	}
	for _, param := range []string{"practitioner", "participant"} {
		want := query.Get(param)
		if want == "" {
			continue
		}
		if !strings.Contains(want, "/") {
			want = "Practitioner/" + want
		}
		found := false
		participants, _ := res["participant"].([]any)
		for _, p := range participants {
			pm, _ := p.(map[string]any)
			if referenceEquals(pm["individual"], want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func referenceEquals(v any, want string) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	ref, _ := m["reference"].(string)
	return ref == want
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOutcome(w http.ResponseWriter, status int, code, diagnostics string) {
	writeJSON(w, status, map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}

// WriteRSAKey generates a 2048-bit key, writes it as PKCS#1 PEM under a
// temp dir and returns the path and key.
func WriteRSAKey(t testing.TB) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "client.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path, key
}
