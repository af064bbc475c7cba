// Package ethereum 实现面向 EVM 链的交易派发器。
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// Config 描述派发器的连接与签名参数。
type Config struct {
	Name           string
	RPCURL         string
	PrivateKeyHex  string
	ConfirmTimeout time.Duration
	GasLimit       uint64
}

// Dispatcher 通过 go-ethereum 客户端广播价值转移交易并等待回执。
type Dispatcher struct {
	name           string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	key            *ecdsa.PrivateKey
	from           common.Address
	confirmTimeout time.Duration
	gasLimit       uint64

	mu      sync.Mutex
	chainID *big.Int
}

// NewDispatcher 连接配置的 RPC 节点并装载签名密钥。
func NewDispatcher(ctx context.Context, cfg Config) (*Dispatcher, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置以太坊 RPC 地址")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析签名私钥失败")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "连接以太坊节点失败")
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 21_000
	}
	return &Dispatcher{
		name:           cfg.Name,
		rpcClient:      rpcClient,
		eth:            ethclient.NewClient(rpcClient),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		confirmTimeout: confirmTimeout,
		gasLimit:       gasLimit,
	}, nil
}

func (d *Dispatcher) resolveChainID(ctx context.Context) (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chainID != nil {
		return new(big.Int).Set(d.chainID), nil
	}
	chainID, err := d.eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "查询链 ID 失败")
	}
	d.chainID = chainID
	return new(big.Int).Set(chainID), nil
}

// Dispatch 实现 dispatch.Dispatcher 接口。广播前的任何失败都按普通
// 失败报告；广播成功之后回执迟迟不可得时报告结果不明，由上层保留
// 幂等键等待人工对账。
func (d *Dispatcher) Dispatch(ctx context.Context, req *guard.TransactionRequest) (*guard.DispatchReceipt, error) {
	if !common.IsHexAddress(req.Recipient) {
		return nil, xerrors.New(xerrors.CodeDispatchFailure, "接收地址不是合法的十六进制地址")
	}
	amount, err := req.AmountBig()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "金额解析失败")
	}
	chainID, err := d.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := d.eth.PendingNonceAt(ctx, d.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "查询 nonce 失败")
	}
	gasPrice, err := d.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "查询 gas 价格失败")
	}

	to := common.HexToAddress(req.Recipient)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      d.gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), d.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "交易签名失败")
	}

	if err := d.eth.SendTransaction(ctx, signed); err != nil {
		// 广播未被节点接受，结果确定为失败。
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "广播交易失败")
	}

	receipt, err := d.waitReceipt(ctx, signed.Hash())
	if err != nil {
		// 交易已广播，回执拿不到时结果不明。
		return nil, xerrors.Wrap(xerrors.CodeDispatchIndeterminate, err,
			"交易已广播但未能确认回执: "+signed.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeDispatchFailure,
			"交易上链但执行回滚: "+signed.Hash().Hex())
	}
	return &guard.DispatchReceipt{
		TxHash:      signed.Hash().Hex(),
		ChainID:     chainID.String(),
		BlockNumber: receipt.BlockNumber.String(),
	}, nil
}

func (d *Dispatcher) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := d.eth.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

// Close 关闭 RPC 连接。
func (d *Dispatcher) Close() error {
	if d == nil || d.rpcClient == nil {
		return nil
	}
	d.rpcClient.Close()
	return nil
}
