package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"stablefi/storage"
)

const authSecret = "auth-test-secret"

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func serve(handler http.Handler, method, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/accounts", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAuthenticatorScopesAndSubject(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: authSecret, Issuer: "stablefi"}, nil)
	var gotSubject string
	var gotAdmin bool
	handler := auth.Middleware("write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = Subject(r.Context())
		gotAdmin = HasScope(r.Context(), "admin")
		w.WriteHeader(http.StatusOK)
	}))
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing", token: "", status: http.StatusUnauthorized},
		{name: "garbage", token: "not-a-jwt", status: http.StatusUnauthorized},
		{name: "wrong issuer", token: signed(t, jwt.MapClaims{"sub": "alice", "iss": "other", "scope": "write", "exp": exp}), status: http.StatusUnauthorized},
		{name: "no subject", token: signed(t, jwt.MapClaims{"iss": "stablefi", "scope": "write", "exp": exp}), status: http.StatusUnauthorized},
		{name: "expired", token: signed(t, jwt.MapClaims{"sub": "alice", "iss": "stablefi", "scope": "write", "exp": time.Now().Add(-time.Hour).Unix()}), status: http.StatusUnauthorized},
		{name: "missing scope", token: signed(t, jwt.MapClaims{"sub": "alice", "iss": "stablefi", "scope": "read", "exp": exp}), status: http.StatusForbidden},
		{name: "space separated", token: signed(t, jwt.MapClaims{"sub": "alice", "iss": "stablefi", "scope": "write admin", "exp": exp}), status: http.StatusOK},
		{name: "array scopes", token: signed(t, jwt.MapClaims{"sub": "alice", "iss": "stablefi", "scope": []string{"write"}, "exp": exp}), status: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := serve(handler, http.MethodGet, tc.token)
			if res.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", res.Code, tc.status, res.Body.String())
			}
		})
	}
	if gotSubject != "alice" {
		t.Fatalf("subject = %q", gotSubject)
	}
	if gotAdmin {
		t.Fatalf("last token carried no admin scope")
	}
}

func TestAuthenticatorRejectsForeignAlgorithm(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: authSecret}, nil)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if res := serve(handler, http.MethodGet, unsigned); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected unsigned token to be rejected, got %d", res.Code)
	}
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if res := serve(handler, http.MethodPost, ""); res.Code != http.StatusOK {
		t.Fatalf("disabled auth must pass through, got %d", res.Code)
	}
}

func TestReplayGuardSingleUseMutations(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: authSecret}, nil)
	guard, err := NewReplayGuard(storage.NewMemDB(), time.Minute)
	if err != nil {
		t.Fatalf("replay guard: %v", err)
	}
	auth.SetReplayGuard(guard)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	token := signed(t, jwt.MapClaims{"sub": "alice", "jti": "nonce-1", "exp": time.Now().Add(time.Hour).Unix()})
	if res := serve(handler, http.MethodPost, token); res.Code != http.StatusOK {
		t.Fatalf("first use: %d", res.Code)
	}
	if res := serve(handler, http.MethodPost, token); res.Code != http.StatusConflict {
		t.Fatalf("expected replay conflict, got %d", res.Code)
	}
	if res := serve(handler, http.MethodGet, token); res.Code != http.StatusOK {
		t.Fatalf("reads are not single-use, got %d", res.Code)
	}

	noID := signed(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	if res := serve(handler, http.MethodPost, noID); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected token id requirement, got %d", res.Code)
	}
}

func TestReplayGuardPrunesExpired(t *testing.T) {
	guard, err := NewReplayGuard(storage.NewMemDB(), time.Minute)
	if err != nil {
		t.Fatalf("replay guard: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	guard.nowFn = func() time.Time { return now }

	if fresh, err := guard.Claim("a", now.Add(time.Minute)); err != nil || !fresh {
		t.Fatalf("claim a: %v %v", fresh, err)
	}
	if fresh, err := guard.Claim("b", now.Add(time.Hour)); err != nil || !fresh {
		t.Fatalf("claim b: %v %v", fresh, err)
	}
	if fresh, _ := guard.Claim("a", now.Add(time.Minute)); fresh {
		t.Fatalf("a must still be claimed")
	}

	now = now.Add(2 * time.Minute)
	removed, err := guard.Prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if fresh, _ := guard.Claim("a", now.Add(time.Minute)); !fresh {
		t.Fatalf("expired id should be claimable again")
	}
}

func TestCORSPreflightAndCredentials(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.stablefi.dev"}, AllowCredentials: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/engine/deposit-mint", nil)
	req.Header.Set("Origin", "https://app.stablefi.dev")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://app.stablefi.dev" {
		t.Fatalf("allow origin = %q", got)
	}
	if res.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials header missing")
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), "X-Stablefi-Caller") {
		t.Fatalf("caller header not allowed: %q", res.Header().Get("Access-Control-Allow-Headers"))
	}
	if res.Header().Get("Access-Control-Max-Age") != "600" {
		t.Fatalf("max age = %q", res.Header().Get("Access-Control-Max-Age"))
	}

	// A bare OPTIONS without a preflight method reaches the handler.
	req = httptest.NewRequest(http.MethodOptions, "/v1/engine/params", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTeapot {
		t.Fatalf("bare OPTIONS status = %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/engine/params", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTeapot {
		t.Fatalf("request should reach handler, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin echoed: %q", got)
	}
}
