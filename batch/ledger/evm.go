package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const receiptPollInterval = 2 * time.Second

// EVMChain is the part of ethclient.Client the EVM backend talks to.
type EVMChain interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

var _ EVMChain = (*ethclient.Client)(nil)

// EVMBackend anchors memos as calldata of a zero-value self-transfer.
type EVMBackend struct {
	chain        EVMChain
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	address      common.Address
	pollInterval time.Duration
	log          *logrus.Logger
}

// NewEVMBackend parses the hex signing key (with or without 0x). Transactions
// are signed for chainID.
func NewEVMBackend(chain EVMChain, chainID *big.Int, hexKey string, log *logrus.Logger) (*EVMBackend, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	log.Infof("EVM anchor account %s on chain %s", address.Hex(), chainID)

	return &EVMBackend{
		chain:        chain,
		chainID:      new(big.Int).Set(chainID),
		key:          key,
		address:      address,
		pollInterval: receiptPollInterval,
		log:          log,
	}, nil
}

func (e *EVMBackend) Name() string { return "evm" }

func (e *EVMBackend) Account() string { return e.address.Hex() }

func (e *EVMBackend) Balance(ctx context.Context) (*big.Int, error) {
	return e.chain.BalanceAt(ctx, e.address, nil)
}

// Submit signs, sends and waits for the anchor transaction to be mined.
func (e *EVMBackend) Submit(ctx context.Context, memo []byte) (*Receipt, error) {
	tx, err := e.buildTx(ctx, memo)
	if err != nil {
		return nil, err
	}

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign anchor transaction: %w", err)
	}
	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send anchor transaction: %w", err)
	}
	e.log.Infof("Anchor transaction %s sent, waiting for receipt", signed.Hash().Hex())

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s reverted in block %s", ErrRejected, signed.Hash().Hex(), receipt.BlockNumber)
	}

	header, err := e.chain.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", receipt.BlockNumber, err)
	}

	return &Receipt{
		Signature: signed.Hash().Hex(),
		Position:  receipt.BlockNumber.Uint64(),
		Timestamp: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (e *EVMBackend) buildTx(ctx context.Context, memo []byte) (*ethtypes.Transaction, error) {
	nonce, err := e.chain.PendingNonceAt(ctx, e.address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	to := e.address
	gas, err := e.chain.EstimateGas(ctx, ethereum.CallMsg{
		From: e.address,
		To:   &to,
		Data: memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	head, err := e.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest header: %w", err)
	}

	// pre-London chains report no base fee
	if head.BaseFee == nil {
		gasPrice, err := e.chain.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    new(big.Int),
			Data:     memo,
		}), nil
	}

	tip, err := e.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      memo,
	}), nil
}

func (e *EVMBackend) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt for %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
