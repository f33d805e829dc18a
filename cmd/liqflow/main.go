package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
)

const usage = `usage: liqflow <command> [flags]

commands:
  deposit     approve if needed, then deposit into a new position
  rebalance   rebalance an existing position
  recover     resolve flows left unconfirmed by an earlier run
  login       sign in to the liqflow API
  logout      end the API session
  whoami      show the signed-in user
  wallets     list|add|remove managed wallets (admin)
  events      tail flow transition events
  receipt     show the archived receipt of a finished flow
`

var errUsage = errors.New("invalid usage")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := strings.TrimSpace(args[0]), args[1:]
	switch cmd {
	case "deposit":
		return runDeposit(ctx, rest, stdin, stdout, stderr)
	case "rebalance":
		return runRebalance(ctx, rest, stdin, stdout, stderr)
	case "recover":
		return runRecover(ctx, rest, stdout, stderr)
	case "login":
		return runLogin(ctx, rest, stdout)
	case "logout":
		return runLogout(ctx, rest, stdout)
	case "whoami":
		return runWhoami(ctx, rest, stdout)
	case "wallets":
		return runWallets(ctx, rest, stdout)
	case "events":
		return runEvents(ctx, rest, stdin, stdout)
	case "receipt":
		return runReceipt(ctx, rest, stdout)
	case "help", "-h", "--help":
		_, err := fmt.Fprint(stdout, usage)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}
