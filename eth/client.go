package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps both rpc.Client and ethclient.Client for Ethereum interactions
type Client struct {
	Rpc *rpc.Client
	Eth *ethclient.Client

	chainID *big.Int
}

// NewClient dials url and resolves the chain id once, so every anchor
// transaction is signed for the chain it is sent to
func NewClient(ctx context.Context, url string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	ethClient := ethclient.NewClient(rpcClient)
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to fetch chain id from %s: %w", url, err)
	}

	return &Client{
		Rpc:     rpcClient,
		Eth:     ethClient,
		chainID: chainID,
	}, nil
}

// ChainID returns the chain id resolved at dial time
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.Rpc.Close()
}
