package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/consts"
	"github.com/migadu/contactdir/directory"
	"github.com/migadu/contactdir/ldapfilter"
	"github.com/migadu/contactdir/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key-12345"

type stubConn struct {
	entries []*ldap.Entry
}

func (c *stubConn) Bind(username, password string) error { return nil }

func (c *stubConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if !strings.Contains(req.Filter, "(entryUUID=") {
		return &ldap.SearchResult{Entries: c.entries}, nil
	}
	res := &ldap.SearchResult{}
	for _, e := range c.entries {
		if strings.Contains(req.Filter, "(entryUUID="+e.GetAttributeValue("entryUUID")+")") {
			res.Entries = append(res.Entries, e)
		}
	}
	return res, nil
}

func (c *stubConn) Close() error { return nil }

func person(uid, cn, mail string) *ldap.Entry {
	return ldap.NewEntry("uid="+uid+",ou=people,dc=example,dc=com", map[string][]string{
		"objectClass": {"inetOrgPerson"},
		"entryUUID":   {uid},
		"cn":          {cn},
		"mail":        {mail},
	})
}

func newTestServer(t *testing.T, dial directory.Dialer) http.Handler {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Directory.BaseDN = "ou=people,dc=example,dc=com"
	cfg.Directory.Retry.MaxRetries = 0
	cfg.Directory.CircuitBreaker.Enabled = false

	if dial == nil {
		conn := &stubConn{entries: []*ldap.Entry{
			person("u2", "Bob Brown", "bob@example.com"),
			person("u1", "Ann Archer", "ann@example.com"),
		}}
		dial = func(context.Context, config.DirectoryConfig) (directory.Conn, error) { return conn, nil }
	}

	p, err := directory.New(cfg.Directory, cfg.Mapping, directory.WithDialer(dial), directory.WithSearchConfig(cfg.Search))
	require.NoError(t, err)

	s, err := New(p, ServerOptions{Addr: ":0", APIKey: testAPIKey})
	require.NoError(t, err)
	return s.setupRoutes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(nil, ServerOptions{APIKey: testAPIKey})
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	p, err := directory.New(cfg.Directory, cfg.Mapping)
	require.NoError(t, err)
	_, err = New(p, ServerOptions{})
	assert.Error(t, err)
	_, err = New(p, ServerOptions{APIKey: "k", TLS: true})
	assert.Error(t, err)
	_, err = New(p, ServerOptions{APIKey: "k", TrustedProxies: []string{"10.0.0.0/40"}})
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	x, err := newRealIPExtractor([]string{"10.0.0.0/8", "::1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{name: "X-Forwarded-For from trusted proxy", headers: map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.5"}, remoteAddr: "10.0.0.1:12345", expectedIP: "192.168.1.100"},
		{name: "rightmost untrusted hop wins", headers: map[string]string{"X-Forwarded-For": "10.9.9.9, 198.51.100.7, 10.0.0.5"}, remoteAddr: "10.0.0.1:12345", expectedIP: "198.51.100.7"},
		{name: "only trusted hops", headers: map[string]string{"X-Forwarded-For": "10.0.0.7, 10.0.0.5"}, remoteAddr: "10.0.0.1:12345", expectedIP: "10.0.0.7"},
		{name: "garbage hop falls back to peer", headers: map[string]string{"X-Forwarded-For": "1.2.3.4, junk"}, remoteAddr: "10.0.0.1:12345", expectedIP: "10.0.0.1"},
		{name: "X-Real-IP from trusted proxy", headers: map[string]string{"X-Real-IP": "192.168.1.200"}, remoteAddr: "10.0.0.1:12345", expectedIP: "192.168.1.200"},
		{name: "X-Forwarded-For from untrusted peer ignored", headers: map[string]string{"X-Forwarded-For": "10.1.2.3"}, remoteAddr: "203.0.113.9:4444", expectedIP: "203.0.113.9"},
		{name: "X-Real-IP from untrusted peer ignored", headers: map[string]string{"X-Real-IP": "10.1.2.3"}, remoteAddr: "203.0.113.9:4444", expectedIP: "203.0.113.9"},
		{name: "fallback to RemoteAddr", remoteAddr: "192.168.1.50:12345", expectedIP: "192.168.1.50"},
		{name: "IPv6 trusted proxy", headers: map[string]string{"X-Real-IP": "2001:db8::5"}, remoteAddr: "[::1]:12345", expectedIP: "2001:db8::5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}
			assert.Equal(t, tt.expectedIP, x.clientIP(req))
		})
	}

	var none *realIPExtractor
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	assert.Equal(t, "203.0.113.9", none.clientIP(req))

	_, err = newRealIPExtractor([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestHostAllowed(t *testing.T) {
	allowed := []string{"127.0.0.1", "10.0.0.0/8", "not-a-cidr/"}
	assert.True(t, hostAllowed(allowed, "127.0.0.1"))
	assert.True(t, hostAllowed(allowed, "10.20.30.40"))
	assert.False(t, hostAllowed(allowed, "192.168.1.1"))
	assert.False(t, hostAllowed(allowed, "garbage"))
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, nil)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		bodyContains   string
	}{
		{name: "no auth header", expectedStatus: http.StatusUnauthorized, bodyContains: "Authorization header required"},
		{name: "wrong auth type", authHeader: "Basic dGVzdA==", expectedStatus: http.StatusUnauthorized, bodyContains: "Bearer"},
		{name: "invalid API key", authHeader: "Bearer nope", expectedStatus: http.StatusForbidden, bodyContains: "Invalid API key"},
		{name: "valid API key", authHeader: "Bearer " + testAPIKey, expectedStatus: http.StatusOK},
		{name: "case insensitive bearer", authHeader: "bearer " + testAPIKey, expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/mapping", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.bodyContains)
		})
	}
}

func TestAllowedHostsMiddleware(t *testing.T) {
	realIP, err := newRealIPExtractor([]string{"192.0.2.1"})
	require.NoError(t, err)
	s := &Server{apiKey: testAPIKey, allowedHosts: []string{"10.0.0.0/8"}, realIP: realIP}
	h := s.allowedHostsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:4000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A client outside the allow list cannot claim an allowed address.
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	req.Header.Set("X-Real-IP", "10.1.2.3")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The configured proxy may vouch for an allowed client.
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "GET", "/api/v1/mapping", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest("GET", "/api/v1/mapping", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestHandleTranslate(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "POST", "/api/v1/filters/translate", `{"term": {"and": [
		{"field": "display_name", "op": "eq", "value": "Doe"},
		{"field": "folder_id", "value": "42"}
	]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TranslateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "(cn=Doe)", resp.Filter)
	assert.Equal(t, []string{"42"}, resp.Folders)
	assert.Empty(t, resp.DroppedFields)
	assert.False(t, resp.MatchAll)
	assert.True(t, resp.FolderScopeExact)

	rec = do(t, h, "POST", "/api/v1/filters/translate", `{"term": {"and": [
		{"field": "display_name", "op": "eq", "value": "Doe"},
		{"not": {"field": "folder_id", "value": "42"}}
	]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = TranslateResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"42"}, resp.Folders)
	assert.False(t, resp.FolderScopeExact)

	rec = do(t, h, "POST", "/api/v1/filters/translate", `{"term": {"and": [
		{"field": "display_name", "op": "gte", "value": "M"},
		{"field": "display_name", "op": "lt", "value": "P"},
		{"field": "nickname", "value": "x"}
	]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "(|(cn=M*)(cn=N*)(cn=O*))", resp.Filter)
	assert.Equal(t, 1, resp.RangeRewrites)
	assert.Equal(t, []string{"nickname"}, resp.DroppedFields)
}

func TestHandleTranslateErrors(t *testing.T) {
	h := newTestServer(t, nil)

	tests := []struct {
		name         string
		body         string
		bodyContains string
	}{
		{name: "invalid JSON", body: `{"term":`, bodyContains: "Invalid JSON body"},
		{name: "unknown request field", body: `{"query": {}}`, bodyContains: "Invalid JSON body"},
		{name: "missing term", body: `{}`, bodyContains: "term is required"},
		{name: "unknown operator", body: `{"term": {"field": "sur_name", "op": "near", "value": "x"}}`, bodyContains: "malformed search term"},
		{name: "reversed range", body: `{"term": {"and": [
			{"field": "sur_name", "op": "gte", "value": "S"},
			{"field": "sur_name", "op": "lt", "value": "M"}]}}`, bodyContains: "invalid range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/api/v1/filters/translate", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.bodyContains)
		})
	}
}

func TestHandleSearch(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "POST", "/api/v1/contacts/search", `{
		"term": {"field": "email1", "op": "prefix", "value": "a"},
		"sort": "display_name"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "directory", resp.FolderID)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Contacts, 2)
	assert.Equal(t, "Ann Archer", resp.Contacts[0].DisplayName)
	assert.Equal(t, "Bob Brown", resp.Contacts[1].DisplayName)

	rec = do(t, h, "POST", "/api/v1/contacts/search", `{"sort": "display_name", "order": "desc", "limit": 1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Contacts, 1)
	assert.Equal(t, "Bob Brown", resp.Contacts[0].DisplayName)

	rec = do(t, h, "POST", "/api/v1/contacts/search", `{"term": {"field": "folder_id", "value": "other"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Contacts)

	rec = do(t, h, "POST", "/api/v1/contacts/search", `{"order": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/contacts/search", `{"sort": "shoe_size"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetContact(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "GET", "/api/v1/contacts/u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"display_name":"Ann Archer"`)

	rec = do(t, h, "GET", "/api/v1/contacts/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "GET", "/api/v1/contacts/u2/vcard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/vcard; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "BEGIN:VCARD")
	assert.Contains(t, rec.Body.String(), "FN:Bob Brown")
}

func TestHandleMapping(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "GET", "/api/v1/mapping", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MappingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "directory", resp.FolderID)
	assert.Equal(t, "cn", resp.Fields["display_name"])
	assert.Equal(t, "folder_id", resp.FolderField)
	_, ok := resp.Fields["folder_id"]
	assert.False(t, ok, "unmapped fields are not listed")
}

func TestDirectoryUnavailable(t *testing.T) {
	h := newTestServer(t, func(context.Context, config.DirectoryConfig) (directory.Conn, error) {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection refused"))
	})

	rec := do(t, h, "POST", "/api/v1/contacts/search", `{"term": {"field": "sur_name", "value": "Doe"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Directory unavailable")
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestClientGoneAway(t *testing.T) {
	h := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/contacts/search",
		strings.NewReader(`{"term": {"field": "sur_name", "value": "Doe"}}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, statusClientClosedRequest, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestSearchRejectsFolderUnderOr(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, "POST", "/api/v1/contacts/search", `{"term": {"or": [
		{"field": "display_name", "value": "Ann Archer"},
		{"field": "folder_id", "value": "directory"}
	]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "folder comparisons")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{consts.ErrInvalidSearch, http.StatusBadRequest},
		{&ldapfilter.RangeError{Field: "sn", Lower: 'S', Upper: 'M', Reason: "reversed"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", consts.ErrMalformedTerm), http.StatusBadRequest},
		{consts.ErrUnknownTerm, http.StatusBadRequest},
		{consts.ErrContactNotFound, http.StatusNotFound},
		{consts.ErrDirectoryUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("search: %w", context.Canceled), statusClientClosedRequest},
		{consts.ErrDirectoryAuth, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type fakeHealth struct {
	overall health.ComponentStatus
}

func (f fakeHealth) GetOverallStatus() health.ComponentStatus { return f.overall }

func (f fakeHealth) GetAllStatuses() []health.CheckStatus {
	return []health.CheckStatus{{Name: "directory", Status: f.overall, Critical: true}}
}

func TestHandleHealth(t *testing.T) {
	h := newTestServer(t, nil)
	rec := do(t, h, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unknown"`)

	cfg := config.NewDefaultConfig()
	p, err := directory.New(cfg.Directory, cfg.Mapping)
	require.NoError(t, err)

	for _, tt := range []struct {
		overall health.ComponentStatus
		code    int
	}{
		{health.StatusHealthy, http.StatusOK},
		{health.StatusDegraded, http.StatusOK},
		{health.StatusUnhealthy, http.StatusServiceUnavailable},
	} {
		s, err := New(p, ServerOptions{APIKey: testAPIKey, Health: fakeHealth{overall: tt.overall}})
		require.NoError(t, err)

		rec := do(t, s.setupRoutes(), "GET", "/api/v1/health", "")
		assert.Equal(t, tt.code, rec.Code, string(tt.overall))

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(tt.overall), resp.Status)
		require.Len(t, resp.Checks, 1)
		assert.Equal(t, "directory", resp.Checks[0].Name)
	}
}
