package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func testProvider(t *testing.T, name string, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	endpoints, _ := LookupEndpoints(name)
	endpoints.AuthorizeURL = server.URL + "/authorize"
	endpoints.TokenURL = server.URL + "/token"
	endpoints.RevokeURL = server.URL + "/revoke"

	p, err := NewProvider(name, WithEndpoints(endpoints), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestRefreshSuccess(t *testing.T) {
	var gotForm url.Values
	var gotAccept string
	p := testProvider(t, "google", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = r.PostForm
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.new","refresh_token":"1//rotated","expires_in":3600,"token_type":"Bearer"}`))
	})

	resp, err := p.Refresh(context.Background(), "cid", "csecret", "1//old")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resp.AccessToken != "ya29.new" || resp.RefreshToken != "1//rotated" || resp.ExpiresIn != 3600 {
		t.Errorf("resp = %+v", resp)
	}

	if gotForm.Get("grant_type") != "refresh_token" || gotForm.Get("refresh_token") != "1//old" {
		t.Errorf("form = %v", gotForm)
	}
	if gotForm.Get("client_id") != "cid" || gotForm.Get("client_secret") != "csecret" {
		t.Errorf("client credentials missing from form: %v", gotForm)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	p := testProvider(t, "google", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad Request"}`))
	})

	_, err := p.Refresh(context.Background(), "cid", "csecret", "dead")
	var invalid *AuthInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want AuthInvalidError", err)
	}
	if invalid.Code != "invalid_grant" {
		t.Errorf("code = %q", invalid.Code)
	}
}

func TestRefreshExpiredRevokedText(t *testing.T) {
	p := testProvider(t, "google", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request","error_description":"Token has been expired or revoked."}`))
	})

	_, err := p.Refresh(context.Background(), "cid", "csecret", "dead")
	var invalid *AuthInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want AuthInvalidError", err)
	}
}

func TestRefreshErrorWithOKStatus(t *testing.T) {
	// GitHub answers 200 with an error envelope.
	p := testProvider(t, "github", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token is no good"}`))
	})

	_, err := p.Refresh(context.Background(), "cid", "csecret", "dead")
	var invalid *AuthInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want AuthInvalidError", err)
	}
}

func TestRefreshTransientFailure(t *testing.T) {
	p := testProvider(t, "google", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`upstream down`))
	})

	_, err := p.Refresh(context.Background(), "cid", "csecret", "fine")
	var failed *RefreshFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want RefreshFailedError", err)
	}
	if !strings.Contains(failed.Detail, "503") {
		t.Errorf("detail = %q", failed.Detail)
	}
}

func TestRefreshEmptyToken(t *testing.T) {
	p := testProvider(t, "google", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	})

	_, err := p.Refresh(context.Background(), "cid", "csecret", "fine")
	var failed *RefreshFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want RefreshFailedError", err)
	}
}

func TestTokenRequestBasicAuthStyle(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	var gotForm url.Values
	p := testProvider(t, "notion", func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		_ = r.ParseForm()
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"access_token":"secret_tok","token_type":"bearer"}`))
	})

	if _, err := p.Refresh(context.Background(), "cid", "csecret", "rt"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !gotOK || gotUser != "cid" || gotPass != "csecret" {
		t.Errorf("basic auth = %q/%q ok=%v", gotUser, gotPass, gotOK)
	}
	if gotForm.Get("client_secret") != "" {
		t.Error("basic-auth providers must not receive the secret in the form")
	}
}

func TestExchangeCode(t *testing.T) {
	var gotForm url.Values
	p := testProvider(t, "github", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_new","scope":"repo","token_type":"bearer"}`))
	})

	resp, err := p.ExchangeCode(context.Background(), "cid", "csecret", "authcode", "https://cp.example/callback")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if resp.AccessToken != "gho_new" {
		t.Errorf("resp = %+v", resp)
	}
	if gotForm.Get("grant_type") != "authorization_code" || gotForm.Get("code") != "authcode" {
		t.Errorf("form = %v", gotForm)
	}
	if gotForm.Get("redirect_uri") != "https://cp.example/callback" {
		t.Errorf("redirect_uri = %q", gotForm.Get("redirect_uri"))
	}
}

func TestExchangeCodeRejected(t *testing.T) {
	p := testProvider(t, "github", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"bad_verification_code","error_description":"expired"}`))
	})

	if _, err := p.ExchangeCode(context.Background(), "cid", "csecret", "stale", "uri"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRevokeAcceptsAlreadyRevoked(t *testing.T) {
	status := http.StatusOK
	p := testProvider(t, "google", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	if err := p.Revoke(context.Background(), "tok"); err != nil {
		t.Fatalf("Revoke 200: %v", err)
	}
	status = http.StatusBadRequest
	if err := p.Revoke(context.Background(), "tok"); err != nil {
		t.Fatalf("Revoke 400: %v", err)
	}
	status = http.StatusInternalServerError
	if err := p.Revoke(context.Background(), "tok"); err == nil {
		t.Fatal("Revoke 500 should fail")
	}
}

func TestRevokeWithoutEndpointIsNoop(t *testing.T) {
	p, err := NewProvider("github")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Revoke(context.Background(), "tok"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
}

func TestAuthURL(t *testing.T) {
	google, _ := NewProvider("google")
	raw := google.AuthURL("cid", "https://cp.example/callback", "st8", []string{"a", "b"})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "cid" || q.Get("state") != "st8" || q.Get("response_type") != "code" {
		t.Errorf("query = %v", q)
	}
	if q.Get("scope") != "a b" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if q.Get("access_type") != "offline" || q.Get("prompt") != "consent" {
		t.Error("google urls must request offline access")
	}

	github, _ := NewProvider("github")
	raw = github.AuthURL("cid", "uri", "st8", nil)
	u, _ = url.Parse(raw)
	if u.Query().Get("access_type") != "" {
		t.Error("github urls must not carry google-specific params")
	}
	if u.Query().Get("scope") != "" {
		t.Error("empty scopes must not emit a scope param")
	}
}

func TestNewProviderUnknown(t *testing.T) {
	if _, err := NewProvider("myspace"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	// Unknown names are fine when endpoints are supplied.
	if _, err := NewProvider("custom", WithEndpoints(Endpoints{TokenURL: "https://x/token"})); err != nil {
		t.Fatalf("NewProvider with endpoints: %v", err)
	}
}
