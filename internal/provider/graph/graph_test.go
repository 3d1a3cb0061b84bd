package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/email"
	"github.com/shineum/tracking-relay/internal/provider"
)

func testEnvelope() *email.Envelope {
	return &email.Envelope{
		From: "relay@relay.example",
		To:   "customer@real-domain.com",
		Bcc:  []string{"audit@relay.example"},
		Data: []byte("From: relay@relay.example\r\nTo: customer@real-domain.com\r\nSubject: Test\r\n\r\nBody\r\n"),
	}
}

// newTokenServer returns a token endpoint that always issues "token".
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(graphServer, tokenServer *httptest.Server) *GraphProvider {
	p := newWithOverrides(
		GraphProviderConfig{Sender: "relay@relay.example", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(), zap.NewNop(),
	)
	p.retryDelay = time.Millisecond
	return p
}

// send runs one full Login, Send, Quit transaction.
func send(ctx context.Context, p *GraphProvider, env *email.Envelope) error {
	sess, err := p.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Login(ctx); err != nil {
		return err
	}
	if err := sess.Send(ctx, env); err != nil {
		return err
	}
	return sess.Quit()
}

func TestBuildMIMEPayload(t *testing.T) {
	t.Parallel()

	payload, err := buildMIMEPayload(testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	msg := string(decoded)

	for _, want := range []string{
		"From: relay@relay.example\r\n",
		"To: customer@real-domain.com\r\n",
		"Subject: Test\r\n",
		"Bcc: audit@relay.example\r\n",
		"\r\n\r\nBody\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("MIME message missing %q:\n%s", want, msg)
		}
	}
}

func TestBuildMIMEPayload_NoBcc(t *testing.T) {
	t.Parallel()

	env := testEnvelope()
	env.Bcc = nil
	env.Data = []byte("From: a@relay.example\r\nBcc: stale@relay.example\r\nSubject: x\r\n\r\nBody\r\n")

	payload, err := buildMIMEPayload(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(string(payload))
	if strings.Contains(string(decoded), "Bcc:") {
		t.Errorf("unexpected Bcc header in %q", decoded)
	}
}

func TestSendMailURL(t *testing.T) {
	t.Parallel()

	got := sendMailURL("https://graph.microsoft.com/v1.0", "relay@relay.example")
	want := "https://graph.microsoft.com/v1.0/users/relay@relay.example/sendMail"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	p := New(GraphProviderConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "s@example.com"}, zap.NewNop())
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer token")
		}
		if r.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "text/plain")
		}

		body, _ := io.ReadAll(r.Body)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Errorf("body is not base64: %v", err)
		}
		if !strings.Contains(string(decoded), "Subject: Test") {
			t.Errorf("MIME body missing subject: %q", decoded)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	if err := send(context.Background(), newTestProvider(graphServer, tokenServer), testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphProvider_LoginFailsWithoutToken(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCallCount.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	err := send(context.Background(), newTestProvider(graphServer, tokenServer), testEnvelope())
	if err == nil {
		t.Fatal("expected login error, got nil")
	}
	if graphCallCount.Load() != 0 {
		t.Errorf("graph call count: got %d, want 0", graphCallCount.Load())
	}
}

func TestGraphProvider_PermanentError(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCallCount.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "BadRequest", Message: "Invalid recipient"},
		})
	}))
	defer graphServer.Close()

	err := send(context.Background(), newTestProvider(graphServer, tokenServer), testEnvelope())
	if err == nil {
		t.Fatal("expected error for 400 response, got nil")
	}
	if !strings.Contains(err.Error(), "Invalid recipient") {
		t.Errorf("error: got %q, want to contain %q", err.Error(), "Invalid recipient")
	}
	if graphCallCount.Load() != 1 {
		t.Errorf("graph call count: got %d, want 1", graphCallCount.Load())
	}
}

func TestGraphProvider_RetryOn5xx(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "ServiceUnavailable", Message: "Try again"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := send(ctx, newTestProvider(graphServer, tokenServer), testEnvelope()); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}

	if graphCallCount.Load() != 3 {
		t.Errorf("graph call count: got %d, want 3 (2 failures + 1 success)", graphCallCount.Load())
	}
}

func TestGraphProvider_RetryOn401WithTokenRefresh(t *testing.T) {
	t.Parallel()

	var tokenCallCount atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := tokenCallCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+count)),
			ExpiresIn:   3600,
		})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "Unauthorized", Message: "Token expired"},
			})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-2" {
			t.Errorf("Authorization after refresh: got %q, want %q", got, "Bearer token-2")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	if err := send(context.Background(), newTestProvider(graphServer, tokenServer), testEnvelope()); err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}

	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
	if tokenCallCount.Load() != 2 {
		t.Errorf("token call count: got %d, want 2", tokenCallCount.Load())
	}
}

func TestGraphProvider_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)

	var graphCallCount atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "TooManyRequests", Message: "Rate limited"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := send(ctx, newTestProvider(graphServer, tokenServer), testEnvelope()); err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}

	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer graphServer.Close()

	p := newTestProvider(graphServer, tokenServer)
	sess, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sess.Send(ctx, testEnvelope()); err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
	}{
		{name: "400 Bad Request", statusCode: 400, permanent: true, transient: false},
		{name: "401 Unauthorized", statusCode: 401, permanent: false, transient: true},
		{name: "403 Forbidden", statusCode: 403, permanent: true, transient: false},
		{name: "429 Too Many Requests", statusCode: 429, permanent: false, transient: true},
		{name: "500 Internal Server Error", statusCode: 500, permanent: false, transient: true},
		{name: "502 Bad Gateway", statusCode: 502, permanent: false, transient: true},
		{name: "503 Service Unavailable", statusCode: 503, permanent: false, transient: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.permanent != tt.permanent {
				t.Errorf("permanent: got %v, want %v", err.permanent, tt.permanent)
			}
			if err.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", err.transient, tt.transient)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 1 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
	}

	for _, tt := range tests {
		got := backoffDelay(baseRetryDelay, tt.attempt)
		if got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{
		message:    "test error",
		statusCode: 500,
	}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()
	var _ provider.Provider = (*GraphProvider)(nil)
}
