package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastBackoff(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Millisecond
	}
	return out
}

func TestObtainSendsRefreshGrant(t *testing.T) {
	t.Parallel()

	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{
			"client_id":     r.PostFormValue("client_id"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"grant_type":    r.PostFormValue("grant_type"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "jwt-123", "expires_in": 300})
	}))
	defer srv.Close()

	a := NewAuthenticator(srv.URL, "trade-api-write", "refresh-secret", testLogger())
	token, err := a.Obtain(context.Background())
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if token != "jwt-123" {
		t.Errorf("token = %q, want jwt-123", token)
	}
	if gotForm["grant_type"] != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", gotForm["grant_type"])
	}
	if gotForm["client_id"] != "trade-api-write" || gotForm["refresh_token"] != "refresh-secret" {
		t.Errorf("form = %v", gotForm)
	}
}

func TestObtainRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "jwt-ok"})
	}))
	defer srv.Close()

	a := NewAuthenticator(srv.URL, "trade-api-write", "secret", testLogger())
	a.backoff = fastBackoff(4)

	token, err := a.Obtain(context.Background())
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if token != "jwt-ok" {
		t.Errorf("token = %q, want jwt-ok", token)
	}
	if calls != 3 {
		t.Errorf("server hit %d times, want 3", calls)
	}
}

func TestObtainExhaustionWrapsErrAuth(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewAuthenticator(srv.URL, "trade-api-write", "revoked", testLogger())
	a.backoff = fastBackoff(4)

	_, err := a.Obtain(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	// Initial attempt plus four retries.
	if calls != 5 {
		t.Errorf("server hit %d times, want 5", calls)
	}
}

func TestObtainRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"expires_in": 300})
	}))
	defer srv.Close()

	a := NewAuthenticator(srv.URL, "trade-api-write", "secret", testLogger())
	a.backoff = nil

	if _, err := a.Obtain(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestObtainHonorsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAuthenticator(srv.URL, "trade-api-write", "secret", testLogger())
	a.backoff = []time.Duration{time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := a.Obtain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
