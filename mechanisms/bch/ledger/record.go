package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	x402 "github.com/x402-bch/facilitator"
)

// TimeFormat is the timestamp layout stored in ledger records (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Record tracks cumulative spend against one UTXO.
//
// RemainingBalanceSat always equals TransactionValueSat minus TotalDebitedSat
// and is never negative. Records are never deleted; an exhausted UTXO keeps
// its record with a zero remaining balance.
type Record struct {
	UtxoID          string
	Txid            string
	Vout            uint32
	PayerAddress    string
	ReceiverAddress string

	TransactionValueSat *big.Int
	TotalDebitedSat     *big.Int
	RemainingBalanceSat *big.Int

	FirstSeen   time.Time
	LastUpdated time.Time
	LastChecked time.Time
}

// Entry returns the client-facing summary of the record.
func (r *Record) Entry() *x402.LedgerEntry {
	return &x402.LedgerEntry{
		UtxoID:              r.UtxoID,
		TransactionValueSat: r.TransactionValueSat.String(),
		TotalDebitedSat:     r.TotalDebitedSat.String(),
		LastUpdated:         formatTime(r.LastUpdated),
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.TransactionValueSat = new(big.Int).Set(r.TransactionValueSat)
	c.TotalDebitedSat = new(big.Int).Set(r.TotalDebitedSat)
	c.RemainingBalanceSat = new(big.Int).Set(r.RemainingBalanceSat)
	return &c
}

// recordJSON is the persisted shape. Amounts are decimal strings.
type recordJSON struct {
	UtxoID              string `json:"utxoId"`
	Txid                string `json:"txid"`
	Vout                uint32 `json:"vout"`
	PayerAddress        string `json:"payerAddress"`
	ReceiverAddress     string `json:"receiverAddress"`
	TransactionValueSat string `json:"transactionValueSat"`
	RemainingBalanceSat string `json:"remainingBalanceSat,omitempty"`
	TotalDebitedSat     string `json:"totalDebitedSat,omitempty"`
	LastUpdated         string `json:"lastUpdated"`
	FirstSeen           string `json:"firstSeen"`
	LastChecked         string `json:"lastChecked"`

	// Field names written by older releases
	RemainingBalance string `json:"remainingBalance,omitempty"`
	TotalDebited     string `json:"totalDebited,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		UtxoID:              r.UtxoID,
		Txid:                r.Txid,
		Vout:                r.Vout,
		PayerAddress:        r.PayerAddress,
		ReceiverAddress:     r.ReceiverAddress,
		TransactionValueSat: intString(r.TransactionValueSat),
		RemainingBalanceSat: intString(r.RemainingBalanceSat),
		TotalDebitedSat:     intString(r.TotalDebitedSat),
		LastUpdated:         formatTime(r.LastUpdated),
		FirstSeen:           formatTime(r.FirstSeen),
		LastChecked:         formatTime(r.LastChecked),
	})
}

// UnmarshalJSON implements json.Unmarshaler. Missing balances read as zero,
// and a missing transaction value is derived from the other two amounts.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	remaining, err := parseAmount(firstNonEmpty(raw.RemainingBalanceSat, raw.RemainingBalance, "0"))
	if err != nil {
		return fmt.Errorf("remainingBalanceSat: %w", err)
	}
	debited, err := parseAmount(firstNonEmpty(raw.TotalDebitedSat, raw.TotalDebited, "0"))
	if err != nil {
		return fmt.Errorf("totalDebitedSat: %w", err)
	}
	var value *big.Int
	if raw.TransactionValueSat != "" {
		if value, err = parseAmount(raw.TransactionValueSat); err != nil {
			return fmt.Errorf("transactionValueSat: %w", err)
		}
	} else {
		value = new(big.Int).Add(remaining, debited)
	}

	*r = Record{
		UtxoID:              raw.UtxoID,
		Txid:                raw.Txid,
		Vout:                raw.Vout,
		PayerAddress:        raw.PayerAddress,
		ReceiverAddress:     raw.ReceiverAddress,
		TransactionValueSat: value,
		TotalDebitedSat:     debited,
		RemainingBalanceSat: remaining,
		FirstSeen:           parseTime(raw.FirstSeen),
		LastUpdated:         parseTime(raw.LastUpdated),
		LastChecked:         parseTime(raw.LastChecked),
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
