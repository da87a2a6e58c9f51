package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
)

// maxResponseBody bounds how much of a response body is read
const maxResponseBody = 10 << 20

// loggedBodyLength is how much of a raw body is logged
const loggedBodyLength = 512

// tokenTypePlain marks access tokens that are sent as a parameter instead of a header
const tokenTypePlain = "Plain"

// RequestParams configures an authenticated request
type RequestParams struct {
	// AccessToken overrides the cached token
	AccessToken string

	// TokenType of AccessToken. "Plain" tokens are sent as the access_token
	// parameter. Default: Bearer
	TokenType string

	// Mode is the cache mode used to resolve the token when AccessToken is empty
	Mode string

	// Query is merged into the URL query
	Query url.Values

	// Form is sent as an application/x-www-form-urlencoded body
	Form url.Values

	// Header is added to the request
	Header http.Header
}

// ResponseError is returned for non-2xx responses
type ResponseError struct {
	StatusCode int
	Body       []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, util.SafeTruncate(string(e.Body), loggedBodyLength))
}

// AuthenticatedRequest calls rawURL with an access token and decodes the JSON
// object it returns. A body that is empty or not a JSON object is logged and
// yields an empty map without error.
func (c *Client) AuthenticatedRequest(ctx context.Context, method, rawURL string, params RequestParams) (map[string]any, error) {
	token := &oauth2.Token{AccessToken: params.AccessToken, TokenType: params.TokenType}
	if params.AccessToken == "" {
		var err error
		token, err = c.GetToken(ctx, params.Mode)
		if err != nil {
			return nil, err
		}
	}

	query := params.Query
	if token.Type() == tokenTypePlain {
		query = cloneValues(query)
		query.Set("access_token", token.AccessToken)
	}

	req, err := newRequest(ctx, method, rawURL, query, params.Form)
	if err != nil {
		return nil, err
	}
	for name, values := range params.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if token.Type() != tokenTypePlain {
		token.SetAuthHeader(req)
	}

	body, err := c.do(ctx, kindAuthenticated, req)
	if err != nil {
		return nil, err
	}

	result := make(map[string]any)
	if err := json.Unmarshal(body, &result); err != nil || len(result) == 0 {
		c.logger.Warn("Non-JSON response from authenticated request",
			"host", req.URL.Host,
			"path", req.URL.Path,
			"body", util.SafeTruncate(string(body), loggedBodyLength))
		return map[string]any{}, nil
	}
	return result, nil
}

// PublicRequest calls rawURL without a token. The client id is sent as the
// app_id query parameter and data, when set, as a form body.
func (c *Client) PublicRequest(ctx context.Context, method, rawURL string, params, data url.Values) (map[string]any, error) {
	query := cloneValues(params)
	query.Set("app_id", c.config.ClientID)

	req, err := newRequest(ctx, method, rawURL, query, data)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, kindPublic, req)
	if err != nil {
		return nil, err
	}

	result := make(map[string]any)
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

// newRequest builds a request for rawURL, merging query into any query the
// URL already carries
func newRequest(ctx context.Context, method, rawURL string, query, form url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if len(query) > 0 {
		merged := u.Query()
		for key, values := range query {
			merged[key] = append([]string(nil), values...)
		}
		u.RawQuery = merged.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, kind string, req *http.Request) (body []byte, err error) {
	ctx, span := c.tracer.Start(ctx, "client."+kind+"_request",
		trace.WithAttributes(
			attribute.String(instrumentation.AttrHTTPMethod, req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		c.recordRequest(ctx, kind, 0)
		return nil, err
	}
	defer resp.Body.Close()

	c.recordRequest(ctx, kind, resp.StatusCode)
	span.SetAttributes(attribute.Int(instrumentation.AttrHTTPStatusCode, resp.StatusCode))

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

func cloneValues(values url.Values) url.Values {
	clone := make(url.Values, len(values))
	for key, v := range values {
		clone[key] = append([]string(nil), v...)
	}
	return clone
}
