package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/mechanisms/bch"
)

// ErrListUnsupported is returned by List when the store cannot iterate.
var ErrListUnsupported = errors.New("ledger: store does not support listing")

// UtxoLookup fetches the authoritative on-chain value of an output and the
// address it pays. It is only consulted the first time an output is seen.
type UtxoLookup func(ctx context.Context, txid string, vout uint32) (*bch.UtxoInfo, error)

// DebitRequest describes one paid call against a UTXO.
type DebitRequest struct {
	Txid         string
	Vout         uint32
	CallCostSat  *big.Int
	PayerAddress string
}

// UtxoID returns the ledger key for the request.
func (r DebitRequest) UtxoID() string {
	return bch.UtxoID(r.Txid, r.Vout)
}

// DebitResult is the outcome of Ledger.Debit. Exactly one of OK or Reason is set.
type DebitResult struct {
	OK     bool
	Reason x402.Reason
	Detail string

	// RemainingBalanceSat is the balance after a successful debit, or the
	// unchanged current balance when an existing record cannot cover the cost.
	RemainingBalanceSat *big.Int

	// UtxoAmountSat is the on-chain value when a first-sight debit is rejected.
	UtxoAmountSat *big.Int

	// Record is a copy of the persisted record after a successful debit.
	Record *Record

	// Created is true when this debit created the record.
	Created bool
}

func failure(reason x402.Reason, detail string) *DebitResult {
	return &DebitResult{Reason: reason, Detail: detail}
}

// Ledger owns the per-UTXO debit state machine. It is the only component
// that reads or writes the Store.
type Ledger struct {
	store Store
	locks *keyLock
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: newKeyLock(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Debit charges req.CallCostSat against the UTXO's running balance.
//
// The first time a UTXO is seen its value is fetched with lookup and a
// record is created; afterwards the stored balance is authoritative and the
// chain is not queried again. The whole fetch, compute and persist sequence
// runs under a per-UTXO lock, so concurrent debits of the same output are
// applied one after another while different outputs proceed in parallel.
//
// Debit never returns an error; every failure is a typed DebitResult.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest, lookup UtxoLookup) (result *DebitResult) {
	defer func() {
		if r := recover(); r != nil {
			result = failure(x402.ReasonUnexpectedUtxoValidationError, fmt.Sprintf("panic: %v", r))
		}
	}()

	cost := req.CallCostSat
	if cost == nil {
		cost = new(big.Int)
	}
	if cost.Sign() < 0 {
		return failure(x402.ReasonUnexpectedUtxoValidationError, fmt.Sprintf("negative call cost %s", cost))
	}

	req.Txid = strings.ToLower(req.Txid)
	utxoID := req.UtxoID()

	unlock, err := l.locks.Lock(ctx, utxoID)
	if err != nil {
		return failure(x402.ReasonStorageUnavailable, fmt.Sprintf("waiting for ledger lock: %v", err))
	}
	defer unlock()

	raw, found, err := l.store.Get(ctx, utxoID)
	if err != nil {
		return failure(x402.ReasonStorageUnavailable, err.Error())
	}

	if !found {
		return l.createRecord(ctx, req, utxoID, cost, lookup)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return failure(x402.ReasonUnexpectedUtxoValidationError, fmt.Sprintf("corrupt ledger record %s: %v", utxoID, err))
	}
	return l.debitRecord(ctx, &record, utxoID, cost)
}

func (l *Ledger) createRecord(ctx context.Context, req DebitRequest, utxoID string, cost *big.Int, lookup UtxoLookup) *DebitResult {
	if lookup == nil {
		return failure(x402.ReasonUtxoLookupFailed, "no utxo lookup configured")
	}

	info, err := lookup(ctx, req.Txid, req.Vout)
	if err != nil {
		return failure(x402.ReasonUtxoLookupFailed, err.Error())
	}
	if info == nil || info.UtxoAmountSat == nil {
		return failure(x402.ReasonUtxoLookupFailed, "utxo lookup returned no value")
	}
	if info.UtxoAmountSat.Sign() < 0 {
		return failure(x402.ReasonUtxoLookupFailed, fmt.Sprintf("utxo lookup returned negative value %s", info.UtxoAmountSat))
	}

	remaining := new(big.Int).Sub(info.UtxoAmountSat, cost)
	if remaining.Sign() < 0 {
		return &DebitResult{
			Reason:        x402.ReasonInsufficientUtxoBalance,
			Detail:        fmt.Sprintf("utxo value %s is below call cost %s", info.UtxoAmountSat, cost),
			UtxoAmountSat: new(big.Int).Set(info.UtxoAmountSat),
		}
	}

	now := l.now()
	record := &Record{
		UtxoID:              utxoID,
		Txid:                req.Txid,
		Vout:                req.Vout,
		PayerAddress:        req.PayerAddress,
		ReceiverAddress:     info.ReceiverAddress,
		TransactionValueSat: new(big.Int).Set(info.UtxoAmountSat),
		TotalDebitedSat:     new(big.Int).Set(cost),
		RemainingBalanceSat: remaining,
		FirstSeen:           now,
		LastUpdated:         now,
		LastChecked:         now,
	}

	if err := l.put(ctx, record); err != nil {
		return failure(x402.ReasonStorageUnavailable, err.Error())
	}

	return &DebitResult{
		OK:                  true,
		RemainingBalanceSat: new(big.Int).Set(remaining),
		Record:              record.Clone(),
		Created:             true,
	}
}

func (l *Ledger) debitRecord(ctx context.Context, record *Record, utxoID string, cost *big.Int) *DebitResult {
	remaining := new(big.Int).Sub(record.RemainingBalanceSat, cost)
	if remaining.Sign() < 0 {
		return &DebitResult{
			Reason:              x402.ReasonInsufficientUtxoBalance,
			Detail:              fmt.Sprintf("remaining balance %s is below call cost %s", record.RemainingBalanceSat, cost),
			RemainingBalanceSat: new(big.Int).Set(record.RemainingBalanceSat),
		}
	}

	updated := record.Clone()
	if updated.UtxoID == "" {
		updated.UtxoID = utxoID
	}
	updated.TotalDebitedSat.Add(updated.TotalDebitedSat, cost)
	updated.RemainingBalanceSat = remaining
	now := l.now()
	updated.LastUpdated = now
	updated.LastChecked = now

	if err := l.put(ctx, updated); err != nil {
		return failure(x402.ReasonStorageUnavailable, err.Error())
	}

	return &DebitResult{
		OK:                  true,
		RemainingBalanceSat: new(big.Int).Set(remaining),
		Record:              updated.Clone(),
	}
}

func (l *Ledger) put(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	return l.store.Put(ctx, record.UtxoID, data)
}

// Get returns the record for utxoID without modifying it.
func (l *Ledger) Get(ctx context.Context, utxoID string) (*Record, bool, error) {
	utxoID = strings.ToLower(utxoID)
	raw, found, err := l.store.Get(ctx, utxoID)
	if err != nil || !found {
		return nil, found, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode ledger record %s: %w", utxoID, err)
	}
	return &record, true, nil
}

// List returns every record in key order.
func (l *Ledger) List(ctx context.Context) ([]*Record, error) {
	it, ok := l.store.(Iterator)
	if !ok {
		return nil, ErrListUnsupported
	}
	var records []*Record
	err := it.ForEach(ctx, func(key string, value []byte) error {
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("decode ledger record %s: %w", key, err)
		}
		if record.UtxoID == "" {
			record.UtxoID = key
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
