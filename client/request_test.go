package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAPI answers with body and remembers the last request
type recordingAPI struct {
	status int
	body   string

	mu    sync.Mutex
	query url.Values
	head  http.Header
	form  url.Values
}

func (a *recordingAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	a.mu.Lock()
	a.query = r.URL.Query()
	a.head = r.Header.Clone()
	a.form = r.PostForm
	a.mu.Unlock()
	if a.status != 0 {
		w.WriteHeader(a.status)
	}
	_, _ = w.Write([]byte(a.body))
}

func (a *recordingAPI) lastQuery() url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.query
}

func (a *recordingAPI) lastHeader(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.head.Get(name)
}

func (a *recordingAPI) lastForm() url.Values {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.form
}

func newAPI(t *testing.T, api *recordingAPI) string {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestAuthenticatedRequest_BearerToken(t *testing.T) {
	c, _ := newTestClient(t)
	api := &recordingAPI{body: `{"items":[1,2]}`}
	apiURL := newAPI(t, api)

	result, err := c.AuthenticatedRequest(context.Background(), http.MethodGet, apiURL+"/items", RequestParams{Mode: ModeSession})
	require.NoError(t, err)

	assert.Equal(t, []any{float64(1), float64(2)}, result["items"])
	assert.Equal(t, "Bearer token-1", api.lastHeader("Authorization"))
	assert.Empty(t, api.lastQuery().Get("access_token"))
}

func TestAuthenticatedRequest_PlainToken(t *testing.T) {
	c, _ := newTestClientWithEndpoint(t, &tokenEndpoint{tokenType: tokenTypePlain})
	api := &recordingAPI{body: `{"ok":true}`}
	apiURL := newAPI(t, api)

	_, err := c.AuthenticatedRequest(context.Background(), http.MethodGet, apiURL+"/items?page=2", RequestParams{Mode: ModeSession})
	require.NoError(t, err)

	assert.Empty(t, api.lastHeader("Authorization"))
	assert.Equal(t, "token-1", api.lastQuery().Get("access_token"))
	assert.Equal(t, "2", api.lastQuery().Get("page"))
}

func TestAuthenticatedRequest_TokenOverride(t *testing.T) {
	c, endpoint := newTestClient(t)
	api := &recordingAPI{body: `{"ok":true}`}
	apiURL := newAPI(t, api)

	_, err := c.AuthenticatedRequest(context.Background(), http.MethodPost, apiURL+"/items", RequestParams{
		AccessToken: "explicit",
		Form:        url.Values{"name": {"widget"}},
		Header:      http.Header{"X-Tenant": {"acme"}},
	})
	require.NoError(t, err)

	assert.Zero(t, endpoint.calls.Load())
	assert.Equal(t, "Bearer explicit", api.lastHeader("Authorization"))
	assert.Equal(t, "acme", api.lastHeader("X-Tenant"))
	assert.Equal(t, "widget", api.lastForm().Get("name"))
}

func TestAuthenticatedRequest_NonJSONBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"html", "<html>maintenance</html>"},
		{"empty", ""},
		{"empty object", "{}"},
		{"array", "[1,2,3]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t)
			apiURL := newAPI(t, &recordingAPI{body: tt.body})

			result, err := c.AuthenticatedRequest(context.Background(), http.MethodGet, apiURL, RequestParams{AccessToken: "explicit"})
			require.NoError(t, err)
			assert.NotNil(t, result)
			assert.Empty(t, result)
		})
	}
}

func TestAuthenticatedRequest_ErrorStatus(t *testing.T) {
	c, _ := newTestClient(t)
	apiURL := newAPI(t, &recordingAPI{status: http.StatusInternalServerError, body: `{"error":"boom"}`})

	_, err := c.AuthenticatedRequest(context.Background(), http.MethodGet, apiURL, RequestParams{AccessToken: "explicit"})

	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusInternalServerError, respErr.StatusCode)
	assert.JSONEq(t, `{"error":"boom"}`, string(respErr.Body))
}

func TestPublicRequest(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		params    url.Values
		data      url.Values
		wantQuery url.Values
		wantForm  url.Values
	}{
		{
			name:      "url without query",
			path:      "/public",
			wantQuery: url.Values{"app_id": {"reporting"}},
		},
		{
			name:      "url with query and params",
			path:      "/public?lang=en",
			params:    url.Values{"page": {"3"}},
			wantQuery: url.Values{"app_id": {"reporting"}, "lang": {"en"}, "page": {"3"}},
		},
		{
			name:      "form data",
			path:      "/public",
			data:      url.Values{"email": {"alice@example.com"}},
			wantQuery: url.Values{"app_id": {"reporting"}},
			wantForm:  url.Values{"email": {"alice@example.com"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, endpoint := newTestClient(t)
			api := &recordingAPI{body: `{"status":"ok"}`}
			apiURL := newAPI(t, api)

			method := http.MethodGet
			if tt.data != nil {
				method = http.MethodPost
			}
			result, err := c.PublicRequest(context.Background(), method, apiURL+tt.path, tt.params, tt.data)
			require.NoError(t, err)

			assert.Equal(t, "ok", result["status"])
			assert.Equal(t, tt.wantQuery, api.lastQuery())
			assert.Empty(t, api.lastHeader("Authorization"))
			assert.Zero(t, endpoint.calls.Load())
			if tt.wantForm != nil {
				assert.Equal(t, tt.wantForm, api.lastForm())
			}
		})
	}
}

func TestPublicRequest_Errors(t *testing.T) {
	c, _ := newTestClient(t)

	apiURL := newAPI(t, &recordingAPI{body: "not json"})
	_, err := c.PublicRequest(context.Background(), http.MethodGet, apiURL, nil, nil)
	assert.ErrorContains(t, err, "failed to decode response")

	apiURL = newAPI(t, &recordingAPI{status: http.StatusNotFound, body: "missing"})
	_, err = c.PublicRequest(context.Background(), http.MethodGet, apiURL, nil, nil)
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
	assert.Equal(t, "unexpected status 404: missing", respErr.Error())
}
