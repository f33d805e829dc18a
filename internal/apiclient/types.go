package apiclient

import "github.com/liqflow/liqflow/internal/session"

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token string       `json:"token"`
	User  session.User `json:"user"`
	Role  string       `json:"role"`
}

// MeResponse is the response body for GET /auth/me.
type MeResponse struct {
	User session.User `json:"user"`
	Role string       `json:"role"`
}

// Wallet is one managed wallet under /admin/wallets.
type Wallet struct {
	Address   string `json:"address"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type walletsResponse struct {
	Wallets []Wallet `json:"wallets"`
}
