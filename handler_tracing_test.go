package oauth

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/testutil"
)

// tracedHandler returns a handler whose spans, storage included, end up in
// the returned exporter
func tracedHandler(t *testing.T, logClientIPs bool) (*Handler, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	inst, err := instrumentation.New(instrumentation.Config{
		LogClientIPs:   logClientIPs,
		TracerProvider: tp,
	})
	testutil.AssertNoError(t, err)

	srv, err := NewServer(newTestStore(t), testConfig())
	testutil.AssertNoError(t, err)
	t.Cleanup(srv.Shutdown)
	srv.SetInstrumentation(inst)

	return NewHandler(srv, discardLogger()), exporter
}

func findSpan(t *testing.T, exporter *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, span := range exporter.GetSpans() {
		if span.Name == name {
			return span
		}
	}
	t.Fatalf("no span named %q", name)
	return tracetest.SpanStub{}
}

func spanAttr(span tracetest.SpanStub, key string) (string, bool) {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestHandler_ClientIPOnSpans(t *testing.T) {
	tests := []struct {
		name         string
		logClientIPs bool
		path         string
		serve        func(h *Handler) http.HandlerFunc
		form         url.Values
		wantSpan     string
	}{
		{
			name:         "token endpoint with client ip logging",
			logClientIPs: true,
			serve:        func(h *Handler) http.HandlerFunc { return h.ServeToken },
			path:         TokenPath,
			form:         passwordForm("read"),
			wantSpan:     "http.token",
		},
		{
			name:         "revocation endpoint with client ip logging",
			logClientIPs: true,
			serve:        func(h *Handler) http.HandlerFunc { return h.ServeTokenRevocation },
			path:         RevocationPath,
			form: url.Values{
				"token":         {"unknown"},
				"client_id":     {testClientID},
				"client_secret": {testClientSecret},
			},
			wantSpan: "http.revoke",
		},
		{
			name:     "token endpoint without client ip logging",
			serve:    func(h *Handler) http.HandlerFunc { return h.ServeToken },
			path:     TokenPath,
			form:     passwordForm("read"),
			wantSpan: "http.token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, exporter := tracedHandler(t, tt.logClientIPs)

			w := postForm(tt.serve(h), tt.path, tt.form)
			testutil.AssertEqual(t, w.Code, http.StatusOK)

			span := findSpan(t, exporter, tt.wantSpan)
			ip, ok := spanAttr(span, instrumentation.AttrClientIP)
			if ok != tt.logClientIPs {
				t.Fatalf("client ip recorded = %v, want %v", ok, tt.logClientIPs)
			}
			if tt.logClientIPs {
				// httptest.NewRequest uses 192.0.2.1:1234
				testutil.AssertEqual(t, ip, "192.0.2.1")
			}
			testutil.AssertEqual(t, span.Status.Code, codes.Ok)
		})
	}
}

func TestHandler_ErrorResponseMarksSpan(t *testing.T) {
	h, exporter := tracedHandler(t, false)

	form := passwordForm("read")
	form.Set("password", "wrong")
	w := postForm(h.ServeToken, TokenPath, form)
	if w.Code < http.StatusBadRequest {
		t.Fatalf("status = %d, want an error", w.Code)
	}

	span := findSpan(t, exporter, "http.token")
	testutil.AssertEqual(t, span.Status.Code, codes.Error)
	testutil.AssertEqual(t, span.Status.Description, http.StatusText(w.Code))
}

func TestHandler_StorageSpansCarryStoreType(t *testing.T) {
	h, exporter := tracedHandler(t, false)
	issueTokens(t, h, "read")

	span := findSpan(t, exporter, "storage.get_client")
	storageType, _ := spanAttr(span, instrumentation.AttrStorageType)
	operation, _ := spanAttr(span, instrumentation.AttrStorageOperation)
	testutil.AssertEqual(t, storageType, "memory")
	testutil.AssertEqual(t, operation, "get_client")
}
