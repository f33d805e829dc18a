package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidClientConfig = errors.New("apiclient: invalid client config")
	ErrUnauthorized        = errors.New("apiclient: unauthorized")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apiclient: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// TokenSource returns the bearer token for each request. An empty token sends no
// Authorization header.
type TokenSource func() string

// StaticToken always returns tok.
func StaticToken(tok string) TokenSource { return func() string { return tok } }

type Client struct {
	baseURL      *url.URL
	token        TokenSource
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, token TokenSource, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}
	if token == nil {
		token = StaticToken("")
	}

	c := &Client{
		baseURL:      u,
		token:        token,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	if strings.TrimSpace(req.Email) == "" {
		return LoginResponse{}, fmt.Errorf("%w: missing email", ErrInvalidClientConfig)
	}
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &out); err != nil {
		return LoginResponse{}, err
	}
	if out.Token == "" {
		return LoginResponse{}, errors.New("apiclient: login response missing token")
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

func (c *Client) Me(ctx context.Context) (MeResponse, error) {
	var out MeResponse
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return MeResponse{}, err
	}
	return out, nil
}

func (c *Client) ListWallets(ctx context.Context) ([]Wallet, error) {
	var out walletsResponse
	if err := c.do(ctx, http.MethodGet, "/admin/wallets", nil, &out); err != nil {
		return nil, err
	}
	return out.Wallets, nil
}

func (c *Client) AddWallet(ctx context.Context, address common.Address, label string) (Wallet, error) {
	if (address == common.Address{}) {
		return Wallet{}, fmt.Errorf("%w: zero wallet address", ErrInvalidClientConfig)
	}
	var out Wallet
	req := Wallet{Address: address.Hex(), Label: label}
	if err := c.do(ctx, http.MethodPost, "/admin/wallets", req, &out); err != nil {
		return Wallet{}, err
	}
	return out, nil
}

func (c *Client) RemoveWallet(ctx context.Context, address common.Address) error {
	if (address == common.Address{}) {
		return fmt.Errorf("%w: zero wallet address", ErrInvalidClientConfig)
	}
	return c.do(ctx, http.MethodDelete, "/admin/wallets/"+address.Hex(), nil, nil)
}

func (c *Client) do(ctx context.Context, method, p string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("apiclient: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(b, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("apiclient: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("apiclient: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("apiclient: response too large")
	}
	return b, nil
}
