package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/mechanisms/bch"
)

const testTxid = "b74dcfc839eb3693be811be64e563171d83e191388fdda900f2d3b952df01ba7"

// countingLookup returns a fixed value and counts how often the chain is queried.
type countingLookup struct {
	value    int64
	receiver string
	err      error
	calls    atomic.Int32
}

func (c *countingLookup) lookup(_ context.Context, _ string, _ uint32) (*bch.UtxoInfo, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &bch.UtxoInfo{UtxoAmountSat: big.NewInt(c.value), ReceiverAddress: c.receiver}, nil
}

// failingStore fails every call with err.
type failingStore struct {
	err error
}

func (s *failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, s.err }
func (s *failingStore) Put(context.Context, string, []byte) error { return s.err }

func debitReq(cost int64) DebitRequest {
	return DebitRequest{
		Txid:         testTxid,
		Vout:         0,
		CallCostSat:  big.NewInt(cost),
		PayerAddress: "bitcoincash:qpayer",
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDebitFirstSightPinning(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := New(store, WithClock(fixedClock(now)))
	chain := &countingLookup{value: 2000, receiver: "bitcoincash:qserver"}

	first := l.Debit(ctx, debitReq(500), chain.lookup)
	require.True(t, first.OK, "reason: %s %s", first.Reason, first.Detail)
	assert.True(t, first.Created)
	assert.Equal(t, "1500", first.RemainingBalanceSat.String())
	assert.Equal(t, "2000", first.Record.TransactionValueSat.String())
	assert.Equal(t, "500", first.Record.TotalDebitedSat.String())
	assert.Equal(t, "bitcoincash:qserver", first.Record.ReceiverAddress)
	assert.Equal(t, "bitcoincash:qpayer", first.Record.PayerAddress)
	assert.Equal(t, now, first.Record.FirstSeen)
	assert.Equal(t, now, first.Record.LastUpdated)
	assert.Equal(t, now, first.Record.LastChecked)

	second := l.Debit(ctx, debitReq(500), chain.lookup)
	require.True(t, second.OK)
	assert.False(t, second.Created)
	assert.Equal(t, "1000", second.RemainingBalanceSat.String())
	assert.Equal(t, "1000", second.Record.TotalDebitedSat.String())

	assert.Equal(t, int32(1), chain.calls.Load(), "chain must only be queried at first sight")
}

func TestDebitKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := t0
	l := New(store, WithClock(func() time.Time { return current }))
	chain := &countingLookup{value: 1000}

	require.True(t, l.Debit(ctx, debitReq(100), chain.lookup).OK)
	current = t0.Add(time.Minute)
	res := l.Debit(ctx, debitReq(100), chain.lookup)
	require.True(t, res.OK)

	assert.Equal(t, t0, res.Record.FirstSeen)
	assert.Equal(t, current, res.Record.LastUpdated)
	assert.Equal(t, current, res.Record.LastChecked)
}

func TestDebitExhaustion(t *testing.T) {
	ctx := context.Background()
	l := New(NewInMemoryStore())
	chain := &countingLookup{value: 1000}

	require.True(t, l.Debit(ctx, debitReq(500), chain.lookup).OK)

	res := l.Debit(ctx, debitReq(500), chain.lookup)
	require.True(t, res.OK)
	assert.Equal(t, "0", res.RemainingBalanceSat.String())

	res = l.Debit(ctx, debitReq(1), chain.lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)
	assert.Equal(t, "0", res.RemainingBalanceSat.String())

	// exhausted records stay as an audit trail
	record, found, err := l.Get(ctx, bch.UtxoID(testTxid, 0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0", record.RemainingBalanceSat.String())
	assert.Equal(t, "1000", record.TotalDebitedSat.String())
}

func TestDebitTxidCaseSharesRecord(t *testing.T) {
	ctx := context.Background()
	l := New(NewInMemoryStore())
	chain := &countingLookup{value: 2000}

	require.True(t, l.Debit(ctx, debitReq(2000), chain.lookup).OK)

	res := l.Debit(ctx, debitReq(1), chain.lookup)
	require.False(t, res.OK)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)

	upper := debitReq(2000)
	upper.Txid = strings.ToUpper(testTxid)
	res = l.Debit(ctx, upper, chain.lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)
	assert.Equal(t, "0", res.RemainingBalanceSat.String())
	assert.Equal(t, int32(1), chain.calls.Load(), "an upper-case txid must not trigger a second first sight")

	record, found, err := l.Get(ctx, bch.UtxoID(strings.ToUpper(testTxid), 0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testTxid, record.Txid)
	assert.Equal(t, testTxid+":0", record.UtxoID)
}

func TestDebitRejectsOverdraftWithoutWriting(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l := New(store)
	chain := &countingLookup{value: 1000}

	require.True(t, l.Debit(ctx, debitReq(300), chain.lookup).OK)
	before, _, err := store.Get(ctx, bch.UtxoID(testTxid, 0))
	require.NoError(t, err)

	res := l.Debit(ctx, debitReq(701), chain.lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)
	assert.Equal(t, "700", res.RemainingBalanceSat.String())
	assert.Nil(t, res.UtxoAmountSat)

	after, _, err := store.Get(ctx, bch.UtxoID(testTxid, 0))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDebitFirstSightInsufficient(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l := New(store)
	chain := &countingLookup{value: 400}

	res := l.Debit(ctx, debitReq(500), chain.lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)
	assert.Equal(t, "400", res.UtxoAmountSat.String())
	assert.Equal(t, 0, store.Len(), "no record may be created")
}

func TestDebitLookupFailure(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l := New(store)

	chain := &countingLookup{err: errors.New("utxo not found")}
	res := l.Debit(ctx, debitReq(1), chain.lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonUtxoLookupFailed, res.Reason)
	assert.Contains(t, res.Detail, "utxo not found")
	assert.Equal(t, 0, store.Len())

	res = l.Debit(ctx, debitReq(1), func(context.Context, string, uint32) (*bch.UtxoInfo, error) {
		return nil, nil
	})
	assert.Equal(t, x402.ReasonUtxoLookupFailed, res.Reason)

	res = l.Debit(ctx, debitReq(1), nil)
	assert.Equal(t, x402.ReasonUtxoLookupFailed, res.Reason)
}

func TestDebitLookupPanicIsCaught(t *testing.T) {
	l := New(NewInMemoryStore())
	res := l.Debit(context.Background(), debitReq(1), func(context.Context, string, uint32) (*bch.UtxoInfo, error) {
		panic("boom")
	})
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonUnexpectedUtxoValidationError, res.Reason)
	assert.True(t, res.Reason.IsCatchAll())
}

func TestDebitStorageUnavailable(t *testing.T) {
	l := New(&failingStore{err: errors.New("connection refused")})
	chain := &countingLookup{value: 1000}

	res := l.Debit(context.Background(), debitReq(1), chain.lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonStorageUnavailable, res.Reason)
	assert.Equal(t, int32(0), chain.calls.Load())

	closed := NewInMemoryStore()
	require.NoError(t, closed.Close())
	res = New(closed).Debit(context.Background(), debitReq(1), chain.lookup)
	assert.Equal(t, x402.ReasonStorageUnavailable, res.Reason)
}

func TestDebitCorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Put(ctx, bch.UtxoID(testTxid, 0), []byte("{not json")))

	res := New(store).Debit(ctx, debitReq(1), (&countingLookup{value: 10}).lookup)
	assert.Equal(t, x402.ReasonUnexpectedUtxoValidationError, res.Reason)
}

func TestDebitRejectsNegativeCost(t *testing.T) {
	res := New(NewInMemoryStore()).Debit(context.Background(), debitReq(-1), (&countingLookup{value: 10}).lookup)
	assert.False(t, res.OK)
	assert.Equal(t, x402.ReasonUnexpectedUtxoValidationError, res.Reason)
}

func TestDebitZeroCost(t *testing.T) {
	l := New(NewInMemoryStore())
	res := l.Debit(context.Background(), DebitRequest{Txid: testTxid, Vout: 1}, (&countingLookup{value: 10}).lookup)
	require.True(t, res.OK)
	assert.Equal(t, "10", res.RemainingBalanceSat.String())
	assert.Equal(t, "0", res.Record.TotalDebitedSat.String())
}

func TestDebitBalanceMonotonicity(t *testing.T) {
	ctx := context.Background()
	l := New(NewInMemoryStore())
	chain := &countingLookup{value: 10_000}
	costs := []int64{1, 250, 0, 999, 3000, 17, 4000, 2000}

	prevDebited := big.NewInt(0)
	for _, c := range costs {
		res := l.Debit(ctx, debitReq(c), chain.lookup)
		record, found, err := l.Get(ctx, bch.UtxoID(testTxid, 0))
		require.NoError(t, err)
		if !found {
			continue
		}
		assert.GreaterOrEqual(t, record.TotalDebitedSat.Cmp(prevDebited), 0)
		sum := new(big.Int).Add(record.RemainingBalanceSat, record.TotalDebitedSat)
		assert.Equal(t, 0, sum.Cmp(record.TransactionValueSat))
		assert.GreaterOrEqual(t, record.RemainingBalanceSat.Sign(), 0)
		prevDebited = record.TotalDebitedSat
		if !res.OK {
			assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)
		}
	}
}

func TestDebitConcurrentSameUtxo(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l := New(store)

	const n = 64
	const cost = 25
	chain := &countingLookup{value: n * cost}

	var wg sync.WaitGroup
	var ok atomic.Int32
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Debit(ctx, debitReq(cost), chain.lookup).OK {
				ok.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(n), ok.Load())
	assert.Equal(t, int32(1), chain.calls.Load())

	record, found, err := l.Get(ctx, bch.UtxoID(testTxid, 0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0", record.RemainingBalanceSat.String())
	assert.Equal(t, big.NewInt(n*cost).String(), record.TotalDebitedSat.String())

	res := l.Debit(ctx, debitReq(1), chain.lookup)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, res.Reason)
	assert.Equal(t, 0, l.locks.size())
}

func TestDebitDifferentUtxosDoNotBlock(t *testing.T) {
	ctx := context.Background()
	l := New(NewInMemoryStore())

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context, string, uint32) (*bch.UtxoInfo, error) {
		close(entered)
		<-release
		return &bch.UtxoInfo{UtxoAmountSat: big.NewInt(100)}, nil
	}

	done := make(chan *DebitResult, 1)
	go func() {
		done <- l.Debit(ctx, DebitRequest{Txid: "aa", Vout: 0, CallCostSat: big.NewInt(1)}, slow)
	}()
	<-entered

	// a different output proceeds while the first lookup is still blocked
	res := l.Debit(ctx, DebitRequest{Txid: "bb", Vout: 0, CallCostSat: big.NewInt(1)}, (&countingLookup{value: 5}).lookup)
	assert.True(t, res.OK)

	close(release)
	assert.True(t, (<-done).OK)
}

func TestDebitLockHonoursContext(t *testing.T) {
	l := New(NewInMemoryStore())

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := func(context.Context, string, uint32) (*bch.UtxoInfo, error) {
		close(entered)
		<-release
		return &bch.UtxoInfo{UtxoAmountSat: big.NewInt(100)}, nil
	}

	go l.Debit(context.Background(), debitReq(1), blocking)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := l.Debit(ctx, debitReq(1), blocking)
	assert.Equal(t, x402.ReasonStorageUnavailable, res.Reason)

	close(release)
}

func TestDebitLegacyRecordFields(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	legacy := `{"utxoId":"` + testTxid + `:0","txid":"` + testTxid + `","vout":0,` +
		`"payerAddress":"bitcoincash:qpayer","transactionValueSat":"1000",` +
		`"remainingBalance":"600","totalDebited":"400",` +
		`"firstSeen":"2025-01-01T00:00:00.000Z","lastUpdated":"2025-01-01T00:00:00.000Z","lastChecked":"2025-01-01T00:00:00.000Z"}`
	require.NoError(t, store.Put(ctx, bch.UtxoID(testTxid, 0), []byte(legacy)))

	l := New(store)
	res := l.Debit(ctx, debitReq(100), nil)
	require.True(t, res.OK, "reason: %s %s", res.Reason, res.Detail)
	assert.Equal(t, "500", res.RemainingBalanceSat.String())
	assert.Equal(t, "500", res.Record.TotalDebitedSat.String())
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), res.Record.FirstSeen.UTC())
}

func TestList(t *testing.T) {
	ctx := context.Background()
	l := New(NewInMemoryStore())
	chain := &countingLookup{value: 100}

	for _, txid := range []string{"cc", "aa", "bb"} {
		require.True(t, l.Debit(ctx, DebitRequest{Txid: txid, Vout: 1, CallCostSat: big.NewInt(10)}, chain.lookup).OK)
	}

	records, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "aa:1", records[0].UtxoID)
	assert.Equal(t, "bb:1", records[1].UtxoID)
	assert.Equal(t, "cc:1", records[2].UtxoID)

	_, err = New(&failingStore{}).List(ctx)
	assert.ErrorIs(t, err, ErrListUnsupported)
}
