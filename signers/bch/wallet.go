package bch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gcash/bchd/btcjson"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/rpcclient"
	"github.com/gcash/bchutil"
	"github.com/shopspring/decimal"

	"github.com/x402-bch/facilitator/logger"
	x402bch "github.com/x402-bch/facilitator/mechanisms/bch"
)

var (
	// ErrUtxoNotFound is returned when an output is unknown or already spent.
	ErrUtxoNotFound = errors.New("utxo not found or already spent")

	// ErrInvalidReceiver is returned when an output does not pay the server address.
	ErrInvalidReceiver = errors.New("utxo does not pay the server address")

	// ErrWalletNotInitialized is returned by spending calls before InitializeWallet.
	ErrWalletNotInitialized = errors.New("wallet not initialized")
)

// NodeClient is the subset of the bchd JSON-RPC client the wallet uses.
type NodeClient interface {
	GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []bchutil.Address) ([]btcjson.ListUnspentResult, error)
	SendMany(fromAccount string, amounts map[bchutil.Address]bchutil.Amount) (*chainhash.Hash, error)
	GetTransaction(txHash *chainhash.Hash) (*btcjson.GetTransactionResult, error)
	GetBlockCount() (int64, error)
	Shutdown()
}

var _ NodeClient = (*rpcclient.Client)(nil)

// RPCConfig locates a bchd or BCHN node's JSON-RPC endpoint.
type RPCConfig struct {
	Host       string
	User       string
	Pass       string
	DisableTLS bool
}

// DialRPC creates an HTTP POST mode JSON-RPC client. No connection is made
// until the first call.
func DialRPC(cfg RPCConfig) (*rpcclient.Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("rpc host is required")
	}
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
}

// WalletConfig configures an RPCWallet.
type WalletConfig struct {
	Params *chaincfg.Params

	// FacilitatorAddress funds settlement payments.
	FacilitatorAddress string

	// ServerAddress, when set, must be the receiver of every validated UTXO.
	ServerAddress string

	// Account is passed to sendmany. Empty selects the default account.
	Account string

	MinConfirmations int
	Retry            RetryPolicy

	// PollInterval is how often WaitForConfirmations checks the node.
	PollInterval time.Duration

	Logger logger.Logger
}

// RPCWallet implements x402bch.FacilitatorBchWallet on top of a node's
// wallet RPC.
type RPCWallet struct {
	client NodeClient
	cfg    WalletConfig
	log    logger.Logger

	mu          sync.Mutex
	initialized bool
}

// NewRPCWallet creates a wallet over client.
func NewRPCWallet(client NodeClient, cfg WalletConfig) *RPCWallet {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &RPCWallet{
		client: client,
		cfg:    cfg,
		log:    logger.OrNoop(cfg.Logger),
	}
}

// ValidateUtxo returns the value of txid:vout and the address it pays.
func (w *RPCWallet) ValidateUtxo(ctx context.Context, txid string, vout uint32) (*x402bch.UtxoInfo, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}

	var out *btcjson.GetTxOutResult
	err = w.cfg.Retry.Do(ctx, "gettxout", w.log, func() error {
		res, err := w.client.GetTxOut(hash, vout, true)
		if err != nil {
			return err
		}
		if res == nil {
			return permanent(ErrUtxoNotFound)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	value, err := bchToSatoshis(out.Value)
	if err != nil {
		return nil, err
	}

	receiver := ""
	if len(out.ScriptPubKey.Addresses) > 0 {
		receiver = out.ScriptPubKey.Addresses[0]
	}

	if w.cfg.ServerAddress != "" && !SameAddress(receiver, w.cfg.ServerAddress, w.cfg.Params) {
		return nil, fmt.Errorf("%w: %s:%d pays %q", ErrInvalidReceiver, txid, vout, receiver)
	}

	return &x402bch.UtxoInfo{UtxoAmountSat: value, ReceiverAddress: receiver}, nil
}

// IsWalletInitialized reports whether InitializeWallet has succeeded.
func (w *RPCWallet) IsWalletInitialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

// InitializeWallet checks the facilitator address and that the node answers.
// It is safe to call more than once.
func (w *RPCWallet) InitializeWallet(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.initialized {
		return nil
	}

	if _, err := bchutil.DecodeAddress(w.cfg.FacilitatorAddress, w.cfg.Params); err != nil {
		return fmt.Errorf("invalid facilitator address %q: %w", w.cfg.FacilitatorAddress, err)
	}

	var height int64
	err := w.cfg.Retry.Do(ctx, "getblockcount", w.log, func() error {
		var err error
		height, err = w.client.GetBlockCount()
		return err
	})
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}

	w.initialized = true
	w.log.Info("facilitator wallet initialized", map[string]any{
		"address":     w.cfg.FacilitatorAddress,
		"blockHeight": height,
	})
	return nil
}

// GetWallet returns the wallet itself as the spending wallet.
func (w *RPCWallet) GetWallet() x402bch.SpendingWallet {
	return w
}

func (w *RPCWallet) GetFacilitatorAddress() string {
	return w.cfg.FacilitatorAddress
}

func (w *RPCWallet) GetMinConfirmations() int {
	return w.cfg.MinConfirmations
}

// GetBalance sums the unspent outputs paying address, including unconfirmed ones.
func (w *RPCWallet) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := bchutil.DecodeAddress(address, w.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	var unspent []btcjson.ListUnspentResult
	err = w.cfg.Retry.Do(ctx, "listunspent", w.log, func() error {
		var err error
		unspent, err = w.client.ListUnspentMinMaxAddresses(0, 9999999, []bchutil.Address{addr})
		return err
	})
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, u := range unspent {
		total = total.Add(decimal.NewFromFloat(u.Amount))
	}
	return satoshis(total), nil
}

// Send pays outputs in one transaction and returns its txid. Sends are not
// retried: a lost response may hide a broadcast transaction.
func (w *RPCWallet) Send(ctx context.Context, outputs []x402bch.Output) (string, error) {
	if !w.IsWalletInitialized() {
		return "", ErrWalletNotInitialized
	}
	if len(outputs) == 0 {
		return "", errors.New("no outputs to send")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	amounts := make(map[bchutil.Address]bchutil.Amount, len(outputs))
	for _, o := range outputs {
		addr, err := bchutil.DecodeAddress(o.Address, w.cfg.Params)
		if err != nil {
			return "", fmt.Errorf("invalid output address %q: %w", o.Address, err)
		}
		if o.AmountSat == nil || o.AmountSat.Sign() <= 0 || !o.AmountSat.IsInt64() {
			return "", fmt.Errorf("invalid output amount %v for %s", o.AmountSat, o.Address)
		}
		amounts[addr] += bchutil.Amount(o.AmountSat.Int64())
	}

	hash, err := w.client.SendMany(w.cfg.Account, amounts)
	if err != nil {
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return hash.String(), nil
}

// WaitForConfirmations polls the node until txid has minConfirmations or ctx is done.
func (w *RPCWallet) WaitForConfirmations(ctx context.Context, txid string, minConfirmations int) error {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return fmt.Errorf("invalid txid %q: %w", txid, err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := w.client.GetTransaction(hash)
		if err != nil {
			w.log.Debug("confirmation poll failed", map[string]any{"transaction": txid, "error": err})
		} else if tx != nil && tx.Confirmations >= int64(minConfirmations) {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d confirmations of %s: %w", minConfirmations, txid, ctx.Err())
		}
	}
}

// Close shuts the RPC client down.
func (w *RPCWallet) Close() {
	w.client.Shutdown()
}

func bchToSatoshis(value float64) (*big.Int, error) {
	if value < 0 {
		return nil, fmt.Errorf("negative output value %v", value)
	}
	return satoshis(decimal.NewFromFloat(value)), nil
}

var satoshisPerBCH = decimal.NewFromInt(x402bch.SatoshisPerBCH)

// satoshis converts a BCH amount to whole satoshis.
func satoshis(bch decimal.Decimal) *big.Int {
	return bch.Mul(satoshisPerBCH).Round(0).BigInt()
}
