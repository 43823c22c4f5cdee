// Copyright 2025 Certen Protocol
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// settlementABI is the minimal ABI surface the gateway needs against the
// settlement contract: submitting a proven claim batch, reading the
// circuit image id the contract was deployed against, and reading a
// client's on-chain allowance/commit watermark.
const settlementABI = `[
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"journal","type":"bytes"},{"name":"seal","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"getImageId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"viewStatus","stateMutability":"view","inputs":[{"name":"provider","type":"address"},{"name":"pk","type":"bytes32"}],"outputs":[{"name":"commitSeq","type":"uint32"},{"name":"allowance","type":"uint64"}]}
]`

// Client wraps the settlement contract. No generated bindings exist for
// it, so calls are packed and unpacked directly against settlementABI.
type Client struct {
	eth        *ethclient.Client
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	privateKey *ecdsa.PrivateKey
	from       common.Address
}

// Config configures a settlement chain Client.
type Config struct {
	RPC        string
	ChainID    int64
	Contract   common.Address
	PrivateKey string // hex, optional if this gateway only reads
}

// NewClient dials the configured RPC endpoint and prepares a client
// bound to the settlement contract.
func NewClient(cfg Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}

	c := &Client{
		eth:      eth,
		chainID:  big.NewInt(cfg.ChainID),
		contract: cfg.Contract,
		abi:      parsed,
	}

	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: parse private key: %w", err)
		}
		pub, ok := pk.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("chain: public key is not ECDSA")
		}
		c.privateKey = pk
		c.from = crypto.PubkeyToAddress(*pub)
	}

	return c, nil
}

// GetImageID reads the circuit image id the settlement contract was
// deployed to verify.
func (c *Client) GetImageID(ctx context.Context) (string, error) {
	callData, err := c.abi.Pack("getImageId")
	if err != nil {
		return "", fmt.Errorf("chain: pack getImageId: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: callData,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("chain: call getImageId: %w", err)
	}

	outputs, err := c.abi.Unpack("getImageId", result)
	if err != nil {
		return "", fmt.Errorf("chain: unpack getImageId: %w", err)
	}
	raw, ok := outputs[0].([32]byte)
	if !ok {
		return "", fmt.Errorf("chain: unexpected imageId return type")
	}
	return fmt.Sprintf("%x", raw), nil
}

// ViewStatus reads a client's on-chain commit sequence and remaining
// token allowance, as recorded by the last settled claim, scoped to
// this gateway's own provider address.
func (c *Client) ViewStatus(ctx context.Context, pk [32]byte) (commitSeq uint32, allowance uint64, err error) {
	callData, err := c.abi.Pack("viewStatus", c.from, pk)
	if err != nil {
		return 0, 0, fmt.Errorf("chain: pack viewStatus: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("chain: call viewStatus: %w", err)
	}

	outputs, err := c.abi.Unpack("viewStatus", result)
	if err != nil {
		return 0, 0, fmt.Errorf("chain: unpack viewStatus: %w", err)
	}
	return outputs[0].(uint32), outputs[1].(uint64), nil
}

// Claim submits a proven settlement batch: journal is the flat
// concatenation of 48-byte wire.Claim records, seal is the serialized
// Groth16 proof attesting they are consistent with confirmed usage.
func (c *Client) Claim(ctx context.Context, journal, seal []byte) error {
	if c.privateKey == nil {
		return fmt.Errorf("chain: no signing key configured")
	}

	callData, err := c.abi.Pack("claim", journal, seal)
	if err != nil {
		return fmt.Errorf("chain: pack claim: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("chain: gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: callData,
	})
	if err != nil {
		return fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("chain: send tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return fmt.Errorf("chain: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("chain: claim transaction %s reverted", signed.Hash().Hex())
	}
	return nil
}
