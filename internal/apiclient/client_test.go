package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/session"
)

func newTestClient(t *testing.T, srv *httptest.Server, tok string) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, StaticToken(tok), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_LoginAndMe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "POST /auth/login":
			if got := r.Header.Get("Authorization"); got != "" {
				t.Errorf("login Authorization: got %q want none", got)
			}
			var req LoginRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode req: %v", err)
			}
			if req.Email != "a@example.com" || req.Password != "pw" {
				t.Errorf("login req: got %+v", req)
			}
			_ = json.NewEncoder(w).Encode(LoginResponse{
				Token: "tok-1",
				User:  session.User{ID: "u-1", Email: req.Email},
				Role:  session.RoleAdmin,
			})
		case "GET /auth/me":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("me Authorization: got %q", got)
			}
			_ = json.NewEncoder(w).Encode(MeResponse{User: session.User{ID: "u-1"}, Role: session.RoleAdmin})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	var st session.State
	c, err := NewClient(srv.URL, func() string { return st.AuthToken }, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := c.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != "tok-1" || res.User.ID != "u-1" {
		t.Fatalf("Login: got %+v", res)
	}
	st.AuthToken = res.Token

	me, err := c.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.Role != session.RoleAdmin {
		t.Fatalf("Me role: got %q", me.Role)
	}
}

func TestClient_Wallets(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer admin" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/admin/wallets":
			_ = json.NewEncoder(w).Encode(walletsResponse{Wallets: []Wallet{{Address: addr.Hex(), Label: "ops"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/admin/wallets":
			var req Wallet
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(req)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/admin/wallets/"):
			deleted = strings.TrimPrefix(r.URL.Path, "/admin/wallets/")
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	c := newTestClient(t, srv, "admin")

	ws, err := c.ListWallets(ctx)
	if err != nil {
		t.Fatalf("ListWallets: %v", err)
	}
	if len(ws) != 1 || ws[0].Address != addr.Hex() {
		t.Fatalf("ListWallets: got %+v", ws)
	}
	added, err := c.AddWallet(ctx, addr, "treasury")
	if err != nil {
		t.Fatalf("AddWallet: %v", err)
	}
	if added.Label != "treasury" {
		t.Fatalf("AddWallet: got %+v", added)
	}
	if err := c.RemoveWallet(ctx, addr); err != nil {
		t.Fatalf("RemoveWallet: %v", err)
	}
	if deleted != addr.Hex() {
		t.Fatalf("deleted: got %q want %q", deleted, addr.Hex())
	}
	if err := c.RemoveWallet(ctx, common.Address{}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("zero address: got %v", err)
	}

	anon := newTestClient(t, srv, "")
	_, err = anon.ListWallets(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized || se.Message != "unauthorized" {
		t.Fatalf("status error: got %v", err)
	}
}

func TestClient_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, nil, WithHTTPClient(srv.Client()), WithMaxResponseBytes(16))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Me(context.Background()); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected too large error, got %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://x", "http://", "://bad"} {
		if _, err := NewClient(u, nil); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("NewClient(%q): got %v", u, err)
		}
	}
}
