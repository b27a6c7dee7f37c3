package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	client "github.com/celestiaorg/celestia-openrpc"
	"github.com/celestiaorg/celestia-openrpc/types/blob"
	"github.com/celestiaorg/celestia-openrpc/types/share"
	"github.com/sirupsen/logrus"
)

// celestiaNode is the light node surface the backend uses.
type celestiaNode interface {
	Balance(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, b *blob.Blob) (uint64, error)
	HeaderTime(ctx context.Context, height uint64) (time.Time, error)
	Close()
}

type rpcNode struct {
	client *client.Client
}

func (n rpcNode) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := n.client.State.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return bal.Amount.BigInt(), nil
}

func (n rpcNode) Submit(ctx context.Context, b *blob.Blob) (uint64, error) {
	return n.client.Blob.Submit(ctx, []*blob.Blob{b}, blob.NewSubmitOptions())
}

func (n rpcNode) HeaderTime(ctx context.Context, height uint64) (time.Time, error) {
	header, err := n.client.Header.GetByHeight(ctx, height)
	if err != nil {
		return time.Time{}, err
	}
	return header.Time(), nil
}

func (n rpcNode) Close() {
	n.client.Close()
}

// CelestiaBackend anchors memos as v0 blobs under an application namespace.
type CelestiaBackend struct {
	node      celestiaNode
	namespace share.Namespace
	account   string
	log       *logrus.Logger
}

// NewCelestiaBackend connects to a Celestia light node
func NewCelestiaBackend(ctx context.Context, nodeAddr, authToken, namespace string, log *logrus.Logger) (*CelestiaBackend, error) {
	celestiaClient, err := client.NewClient(ctx, nodeAddr, authToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Celestia client: %w", err)
	}

	ns, err := share.NewBlobNamespaceV0([]byte(namespace))
	if err != nil {
		celestiaClient.Close()
		return nil, fmt.Errorf("failed to create namespace: %w", err)
	}

	addr, err := celestiaClient.State.AccountAddress(ctx)
	if err != nil {
		celestiaClient.Close()
		return nil, fmt.Errorf("failed to resolve node account: %w", err)
	}

	log.Infof("Initialized Celestia client for node %s with namespace %s", nodeAddr, ns)

	return &CelestiaBackend{
		node:      rpcNode{client: celestiaClient},
		namespace: ns,
		account:   addr.String(),
		log:       log,
	}, nil
}

// Close closes the Celestia client connection
func (c *CelestiaBackend) Close() {
	c.node.Close()
}

func (c *CelestiaBackend) Name() string { return "celestia" }

func (c *CelestiaBackend) Account() string { return c.account }

func (c *CelestiaBackend) Balance(ctx context.Context) (*big.Int, error) {
	return c.node.Balance(ctx)
}

// Submit publishes memo once; the node returns after inclusion. The receipt
// carries the including block's header time.
func (c *CelestiaBackend) Submit(ctx context.Context, memo []byte) (*Receipt, error) {
	b, err := blob.NewBlobV0(c.namespace, memo)
	if err != nil {
		return nil, fmt.Errorf("failed to create Celestia blob: %w", err)
	}

	height, err := c.node.Submit(ctx, b)
	if err != nil {
		return nil, err
	}

	commitment := hex.EncodeToString(b.Commitment)
	c.log.Infof("Successfully submitted to Celestia at height %d, commitment: %s", height, commitment)

	blockTime, err := c.node.HeaderTime(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("blob included at height %d but its header is unavailable: %w", height, err)
	}

	return &Receipt{
		Signature: commitment,
		Position:  height,
		Timestamp: blockTime.UTC(),
	}, nil
}
