package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	SDK "github.com/availproject/avail-go-sdk/sdk"
	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	gsrpctypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/sirupsen/logrus"
	"github.com/vedhavyas/go-subkey/v2"
)

// DefaultAvailAppID is the application id anchors are submitted under.
const DefaultAvailAppID uint32 = 36

const availSS58Prefix = 42

// availInclusion is what the chain reports once the data extrinsic is in a block.
type availInclusion struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	Success     bool
}

type availNode interface {
	FreeBalance(ctx context.Context) (*big.Int, error)
	SubmitData(ctx context.Context, data []byte) (*availInclusion, error)
	BlockTime(ctx context.Context, blockHash string) (time.Time, error)
	Close()
}

// sdkNode submits through the Avail SDK and reads chain storage over RPC.
type sdkNode struct {
	sdk     SDK.SDK
	api     *gsrpc.SubstrateAPI
	meta    *gsrpctypes.Metadata
	account subkey.KeyPair
	appID   uint32
}

func (n *sdkNode) FreeBalance(context.Context) (*big.Int, error) {
	key, err := gsrpctypes.CreateStorageKey(n.meta, "System", "Account", n.account.AccountID())
	if err != nil {
		return nil, fmt.Errorf("failed to build account storage key: %w", err)
	}
	var info gsrpctypes.AccountInfo
	ok, err := n.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return nil, err
	}
	if !ok || info.Data.Free.Int == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(info.Data.Free.Int), nil
}

func (n *sdkNode) SubmitData(ctx context.Context, data []byte) (*availInclusion, error) {
	type result struct {
		inc *availInclusion
		err error
	}
	// the SDK call blocks until inclusion and takes no context
	done := make(chan result, 1)
	go func() {
		tx := n.sdk.Tx.DataAvailability.SubmitData(data)
		res, err := tx.ExecuteAndWatchInclusion(n.account, SDK.NewTransactionOptions().WithAppId(n.appID))
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{inc: &availInclusion{
			TxHash:      res.TxHash.ToHexWith0x(),
			BlockHash:   res.BlockHash.ToHexWith0x(),
			BlockNumber: uint64(res.BlockNumber),
			Success:     res.IsSuccessful().UnsafeUnwrap(),
		}}
	}()

	select {
	case r := <-done:
		return r.inc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *sdkNode) BlockTime(_ context.Context, blockHash string) (time.Time, error) {
	hash, err := gsrpctypes.NewHashFromHexString(blockHash)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid block hash %s: %w", blockHash, err)
	}
	key, err := gsrpctypes.CreateStorageKey(n.meta, "Timestamp", "Now")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to build timestamp storage key: %w", err)
	}
	var now gsrpctypes.U64
	ok, err := n.api.RPC.State.GetStorage(key, &now, hash)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("no timestamp stored at block %s", blockHash)
	}
	return time.UnixMilli(int64(now)), nil
}

func (n *sdkNode) Close() {
	n.api.Client.Close()
}

// AvailBackend anchors memos as data submissions under an Avail app id.
type AvailBackend struct {
	node    availNode
	account string
	log     *logrus.Logger
}

// NewAvailBackend derives the signing account from seed and connects to nodeAddr
func NewAvailBackend(nodeAddr, seed string, appID uint32, log *logrus.Logger) (*AvailBackend, error) {
	acc, err := SDK.Account.NewKeyPair(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %v", err)
	}
	address := acc.SS58Address(availSS58Prefix)
	log.Infof("Created Avail account with address: %s", address)

	sdk, err := SDK.NewSDK(nodeAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Avail SDK: %v", err)
	}

	api, err := gsrpc.NewSubstrateAPI(nodeAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Avail RPC: %w", err)
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to fetch Avail metadata: %w", err)
	}

	if appID == 0 {
		appID = DefaultAvailAppID
	}
	log.Infof("Initialized Avail client for node %s with AppID %d", nodeAddr, appID)

	return &AvailBackend{
		node: &sdkNode{
			sdk:     sdk,
			api:     api,
			meta:    meta,
			account: acc,
			appID:   appID,
		},
		account: address,
		log:     log,
	}, nil
}

// Close releases the RPC connection
func (a *AvailBackend) Close() {
	a.node.Close()
}

func (a *AvailBackend) Name() string { return "avail" }

func (a *AvailBackend) Account() string { return a.account }

func (a *AvailBackend) Balance(ctx context.Context) (*big.Int, error) {
	return a.node.FreeBalance(ctx)
}

// Submit sends memo once and waits for block inclusion.
func (a *AvailBackend) Submit(ctx context.Context, memo []byte) (*Receipt, error) {
	inc, err := a.node.SubmitData(ctx, memo)
	if err != nil {
		return nil, err
	}
	if !inc.Success {
		return nil, fmt.Errorf("%w: extrinsic %s failed in block %d", ErrRejected, inc.TxHash, inc.BlockNumber)
	}

	blockTime, err := a.node.BlockTime(ctx, inc.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("extrinsic %s included in block %d but its timestamp is unavailable: %w", inc.TxHash, inc.BlockNumber, err)
	}

	a.log.Infof("Successfully submitted to Avail! Tx Hash: %s, Block Hash: %s, Block Number: %d",
		inc.TxHash, inc.BlockHash, inc.BlockNumber)

	return &Receipt{
		Signature: inc.TxHash,
		Position:  inc.BlockNumber,
		Timestamp: blockTime.UTC(),
	}, nil
}
