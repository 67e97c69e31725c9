package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/mechanisms/bch"
)

// Settle re-verifies the payment, which debits the ledger again, and then
// pays authorization.value to requirements.payTo from the facilitator wallet.
//
// Settlement always reports the canonical BCH network. A failed
// re-verification keeps the verifier's reason, including
// unexpected_verify_error. Wallet failures and panics after it are reported
// as unexpected_settle_error; the error return is always nil here.
func (s *UtxoBchScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (resp x402.SettleResponse, err error) {
	network := bch.NetworkMainnet
	payer := ""

	defer func() {
		if r := recover(); r != nil {
			if payer == "" {
				payer = bch.PayerFromMap(payload.Payload)
			}
			s.log.Error("settle panicked", map[string]any{"panic": fmt.Sprint(r), "payer": payer})
			resp = settleFailure(ErrUnexpectedSettle, payer, network, fmt.Sprint(r))
			err = nil
		}
	}()

	verified := s.verifyRecovered(ctx, payload, requirements)
	if !verified.response.IsValid {
		resp = settleFailure(verified.response.InvalidReason, verified.response.Payer, network, verified.response.InvalidMessage)
		resp.RemainingBalanceSat = verified.response.RemainingBalanceSat
		return resp, nil
	}
	auth := verified.authorization
	payer = verified.response.Payer

	if requirements.PayTo == "" {
		return s.settleError(ErrUnexpectedSettle, payer, network, errors.New("paymentRequirements.payTo is required")), nil
	}
	if s.wallet == nil {
		return s.settleError(ErrUnexpectedSettle, payer, network, errors.New("facilitator wallet not configured")), nil
	}

	if !s.wallet.IsWalletInitialized() {
		if err := s.wallet.InitializeWallet(ctx); err != nil {
			return s.settleError(ErrUnexpectedSettle, payer, network, fmt.Errorf("initialize wallet: %w", err)), nil
		}
	}

	wallet := s.wallet.GetWallet()
	if wallet == nil {
		return s.settleError(ErrUnexpectedSettle, payer, network, errors.New("facilitator wallet unavailable")), nil
	}

	value := auth.Value
	if value == nil {
		value = new(big.Int)
	}

	balance, err := wallet.GetBalance(ctx, s.wallet.GetFacilitatorAddress())
	if err != nil {
		return s.settleError(ErrUnexpectedSettle, payer, network, fmt.Errorf("get facilitator balance: %w", err)), nil
	}
	if balance == nil || balance.Cmp(value) < 0 {
		have := "0"
		if balance != nil {
			have = balance.String()
		}
		s.log.Warn("facilitator balance too low to settle", map[string]any{
			"balanceSat": have,
			"valueSat":   value.String(),
			"payer":      payer,
		})
		return settleFailure(ErrInsufficientFunds, payer, network,
			fmt.Sprintf("facilitator balance %s is below settlement value %s", have, value)), nil
	}

	txid, err := wallet.Send(ctx, []bch.Output{{Address: requirements.PayTo, AmountSat: new(big.Int).Set(value)}})
	if err != nil {
		return s.settleError(ErrUnexpectedSettle, payer, network, fmt.Errorf("send payment: %w", err)), nil
	}
	if txid == "" {
		s.log.Error("wallet returned empty transaction id", map[string]any{"payer": payer, "payTo": requirements.PayTo})
		return settleFailure(ErrInvalidTransactionState, payer, network, "wallet returned an empty transaction id"), nil
	}

	if minConf := s.wallet.GetMinConfirmations(); minConf > 0 {
		if waiter, ok := wallet.(bch.ConfirmationWaiter); ok {
			if err := waiter.WaitForConfirmations(ctx, txid, minConf); err != nil {
				s.log.Warn("settlement not confirmed", map[string]any{
					"transaction":      txid,
					"minConfirmations": minConf,
					"error":            err,
				})
			}
		}
	}

	s.log.Info("payment settled", map[string]any{
		"payer":       payer,
		"payTo":       requirements.PayTo,
		"valueSat":    value.String(),
		"transaction": txid,
		"utxoId":      auth.UtxoID(),
	})

	return x402.SettleResponse{
		Success:             true,
		Payer:               payer,
		Transaction:         txid,
		Network:             network,
		RemainingBalanceSat: verified.response.RemainingBalanceSat,
	}, nil
}

func settleFailure(reason x402.Reason, payer string, network x402.Network, message string) x402.SettleResponse {
	return x402.SettleResponse{
		Success:      false,
		ErrorReason:  reason,
		ErrorMessage: message,
		Payer:        payer,
		Transaction:  "",
		Network:      network,
	}
}

func (s *UtxoBchScheme) settleError(reason x402.Reason, payer string, network x402.Network, err error) x402.SettleResponse {
	s.log.Error("settlement failed", map[string]any{"reason": string(reason), "payer": payer, "error": err})
	return settleFailure(reason, payer, network, err.Error())
}
