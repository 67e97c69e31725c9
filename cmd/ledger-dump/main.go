// Command ledger-dump prints UTXO ledger records as JSON lines. The database
// is opened read-only; a running facilitator holds the file lock, so stop it
// first or the open times out.
//
//	ledger-dump -ledger ./data/utxo.db [txid:vout ...]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/x402-bch/facilitator/config"
	"github.com/x402-bch/facilitator/mechanisms/bch/ledger"
)

func main() {
	path := flag.String("ledger", envOr("LEDGER_PATH", config.DefaultLedgerPath), "path to the ledger database")
	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for the file lock")
	flag.Parse()

	if err := run(*path, *timeout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "ledger-dump: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, timeout time.Duration, ids []string) error {
	store, err := ledger.OpenBolt(path, &ledger.BoltOptions{Timeout: timeout, ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	l := ledger.New(store)
	enc := json.NewEncoder(os.Stdout)

	if len(ids) == 0 {
		records, err := l.List(ctx)
		if err != nil {
			return err
		}
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range ids {
		r, ok, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "%s: not found\n", id)
			continue
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
