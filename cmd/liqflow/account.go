package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/apiclient"
	"github.com/liqflow/liqflow/internal/session"
)

type apiFlags struct {
	apiURL      *string
	sessionFile *string
}

func registerAPIFlags(fs *flag.FlagSet) *apiFlags {
	return &apiFlags{
		apiURL:      fs.String("api-url", os.Getenv("LIQFLOW_API_URL"), "liqflow API base URL (default $LIQFLOW_API_URL)"),
		sessionFile: fs.String("session-file", "", "session file (default <user config dir>/liqflow/session.yaml)"),
	}
}

func (a *apiFlags) store() (*session.Store, error) {
	path := strings.TrimSpace(*a.sessionFile)
	if path == "" {
		var err error
		if path, err = session.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return session.NewStore(path)
}

func (a *apiFlags) client(token string) (*apiclient.Client, error) {
	if strings.TrimSpace(*a.apiURL) == "" {
		return nil, errors.New("--api-url is required")
	}
	return apiclient.NewClient(strings.TrimSpace(*a.apiURL), apiclient.StaticToken(token))
}

// signedIn loads a live session and a client carrying its token.
func (a *apiFlags) signedIn() (session.State, *apiclient.Client, error) {
	st, err := a.store()
	if err != nil {
		return session.State{}, nil, err
	}
	state, err := st.Load()
	if err != nil {
		return session.State{}, nil, err
	}
	if !state.LoggedIn() {
		return session.State{}, nil, errors.New("not logged in; run `liqflow login`")
	}
	if state.TokenExpired(time.Now()) {
		return session.State{}, nil, errors.New("session expired; run `liqflow login`")
	}
	c, err := a.client(state.AuthToken)
	if err != nil {
		return session.State{}, nil, err
	}
	return state, c, nil
}

func runLogin(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	af := registerAPIFlags(fs)
	email := fs.String("email", "", "account email (required)")
	passwordEnv := fs.String("password-env", "LIQFLOW_PASSWORD", "env var containing the account password")
	provider := fs.String("provider", "", "identity provider; empty for password login")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	password := os.Getenv(*passwordEnv)
	if password == "" && strings.TrimSpace(*provider) == "" {
		return fmt.Errorf("missing password in env %s", *passwordEnv)
	}

	st, err := af.store()
	if err != nil {
		return err
	}
	c, err := af.client("")
	if err != nil {
		return err
	}
	resp, err := c.Login(ctx, apiclient.LoginRequest{
		Email:    strings.TrimSpace(*email),
		Password: password,
		Provider: strings.TrimSpace(*provider),
	})
	if err != nil {
		return err
	}

	user := resp.User
	authProvider := strings.TrimSpace(*provider)
	if authProvider == "" {
		authProvider = "password"
	}
	if err := st.Save(session.State{
		User:         &user,
		AuthToken:    resp.Token,
		Role:         resp.Role,
		AuthProvider: authProvider,
	}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "logged in as %s (%s)\n", displayName(user), resp.Role)
	return nil
}

func runLogout(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	af := registerAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := af.store()
	if err != nil {
		return err
	}
	state, err := st.Load()
	if err != nil {
		return err
	}
	if state.LoggedIn() && strings.TrimSpace(*af.apiURL) != "" {
		c, err := af.client(state.AuthToken)
		if err != nil {
			return err
		}
		// An already-invalid token is as good as a logout.
		if err := c.Logout(ctx); err != nil && !errors.Is(err, apiclient.ErrUnauthorized) {
			return err
		}
	}
	if err := st.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "logged out")
	return nil
}

func runWhoami(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	af := registerAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, c, err := af.signedIn()
	if err != nil {
		return err
	}
	me, err := c.Me(ctx)
	if err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			return errors.New("session rejected by the server; run `liqflow login`")
		}
		return err
	}
	fmt.Fprintf(stdout, "%s (%s)\n", displayName(me.User), me.Role)
	return nil
}

func runWallets(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: wallets needs list, add or remove", errUsage)
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("wallets "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	af := registerAPIFlags(fs)
	label := fs.String("label", "", "wallet label (add)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	var addr common.Address
	switch sub {
	case "list":
	case "add", "remove":
		if fs.NArg() != 1 || !common.IsHexAddress(fs.Arg(0)) {
			return fmt.Errorf("wallets %s needs one wallet address", sub)
		}
		addr = common.HexToAddress(fs.Arg(0))
	default:
		return fmt.Errorf("%w: unknown wallets command %q", errUsage, sub)
	}

	state, c, err := af.signedIn()
	if err != nil {
		return err
	}
	if !state.IsAdmin() {
		return errors.New("managing wallets requires the admin role")
	}

	switch sub {
	case "add":
		w, err := c.AddWallet(ctx, addr, strings.TrimSpace(*label))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "added %s\n", w.Address)
		return nil
	case "remove":
		if err := c.RemoveWallet(ctx, addr); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s\n", addr.Hex())
		return nil
	}

	wallets, err := c.ListWallets(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tLABEL\tCREATED")
	for _, w := range wallets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Address, w.Label, w.CreatedAt)
	}
	return tw.Flush()
}

func displayName(u session.User) string {
	switch {
	case u.Email != "":
		return u.Email
	case u.Name != "":
		return u.Name
	default:
		return u.ID
	}
}
