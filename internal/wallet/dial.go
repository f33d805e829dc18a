package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/liqflow/liqflow/internal/eth"
)

// RPCConnector opens a provider over JSON-RPC for one account.
type RPCConnector struct {
	URL     string
	ChainID *big.Int
	Signer  eth.Signer
	Config  ProviderConfig
}

func (c RPCConnector) Connect(ctx context.Context) (*Provider, error) {
	if strings.TrimSpace(c.URL) == "" || c.ChainID == nil || c.ChainID.Sign() <= 0 || c.Signer == nil {
		return nil, ErrInvalidConfig
	}
	client, err := ethclient.DialContext(ctx, c.URL)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial rpc: %w", err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("wallet: fetch chain id: %w", err)
	}
	if got.Cmp(c.ChainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("wallet: chain id mismatch: want %s got %s", c.ChainID, got)
	}

	cfg := c.Config
	cfg.Submitter.ChainID = new(big.Int).Set(c.ChainID)
	prevClose := cfg.OnClose
	cfg.OnClose = func() {
		client.Close()
		if prevClose != nil {
			prevClose()
		}
	}
	p, err := NewProvider(client, c.Signer, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

var _ Connector = RPCConnector{}
