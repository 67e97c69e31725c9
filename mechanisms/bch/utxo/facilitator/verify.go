package facilitator

import (
	"context"
	"fmt"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/mechanisms/bch"
	"github.com/x402-bch/facilitator/mechanisms/bch/ledger"
)

// UtxoValidation is the outcome of debiting one call against a UTXO.
type UtxoValidation struct {
	IsValid       bool
	InvalidReason x402.Reason
	ErrorMessage  string

	// RemainingBalanceSat is the balance after the debit, or the current
	// balance when an existing record could not cover the call.
	RemainingBalanceSat string

	// UtxoAmountSat is the on-chain value when a first-sight debit is rejected.
	UtxoAmountSat string

	Record *ledger.Record
}

// verification carries the parsed authorization from Verify to Settle.
type verification struct {
	response      x402.VerifyResponse
	authorization *bch.Authorization
}

// Verify validates a utxo payment and debits its cost from the UTXO ledger.
//
// Checks run in order and stop at the first failure: network, scheme,
// payload shape, signature, balance. Business rejections are returned in the
// response with a nil error; a panic anywhere in the pipeline is reported as
// unexpected_verify_error.
func (s *UtxoBchScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.VerifyResponse, error) {
	return s.verifyRecovered(ctx, payload, requirements).response, nil
}

// verifyRecovered runs the verification pipeline, turning a panic into
// unexpected_verify_error. Settle shares it so re-verification failures keep
// the verifier's reason.
func (s *UtxoBchScheme) verifyRecovered(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (v verification) {
	defer func() {
		if r := recover(); r != nil {
			payer := bch.PayerFromMap(payload.Payload)
			s.log.Error("verify panicked", map[string]any{"panic": fmt.Sprint(r), "payer": payer})
			v = invalid(ErrUnexpectedVerify, payer, fmt.Sprint(r))
		}
	}()

	return s.verify(ctx, payload, requirements)
}

func invalid(reason x402.Reason, payer, message string) verification {
	return verification{
		response: x402.VerifyResponse{
			IsValid:        false,
			InvalidReason:  reason,
			InvalidMessage: message,
			Payer:          payer,
		},
	}
}

func (s *UtxoBchScheme) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) verification {
	if !bch.NetworksMatch(requirements.Network, payload.PaymentNetwork()) {
		return s.reject(invalid(ErrInvalidNetwork, "",
			fmt.Sprintf("network %q does not match %q", payload.PaymentNetwork(), requirements.Network)))
	}

	if requirements.Scheme != bch.SchemeUtxo || payload.PaymentScheme() != bch.SchemeUtxo {
		return s.reject(invalid(ErrInvalidScheme, "",
			fmt.Sprintf("scheme must be %q", bch.SchemeUtxo)))
	}

	utxoPayload, err := bch.PayloadFromMap(payload.Payload)
	if err != nil {
		return s.reject(invalid(ErrInvalidPayload, "", err.Error()))
	}
	auth := utxoPayload.Authorization
	payer := auth.From

	message, err := auth.CanonicalMessage()
	if err != nil {
		return s.reject(invalid(ErrInvalidPayload, payer, err.Error()))
	}

	valid, err := s.verifySignature(payer, utxoPayload.Signature, message)
	if err != nil {
		return s.reject(invalid(ErrInvalidSignature, payer, err.Error()))
	}
	if !valid {
		return s.reject(invalid(ErrInvalidSignature, payer, "signature does not match authorization.from"))
	}

	validation := s.debit(ctx, auth, requirements)
	if !validation.IsValid {
		v := invalid(validation.InvalidReason, payer, validation.ErrorMessage)
		v.response.RemainingBalanceSat = validation.RemainingBalanceSat
		v.response.UtxoAmountSat = validation.UtxoAmountSat
		return s.reject(v)
	}

	resp := x402.VerifyResponse{
		IsValid:             true,
		Payer:               payer,
		RemainingBalanceSat: validation.RemainingBalanceSat,
	}
	if validation.Record != nil {
		resp.LedgerEntry = validation.Record.Entry()
	}

	s.log.Debug("payment verified", map[string]any{
		"payer":               payer,
		"utxoId":              auth.UtxoID(),
		"remainingBalanceSat": validation.RemainingBalanceSat,
	})

	return verification{response: resp, authorization: auth}
}

// verifySignature calls the verifier, treating a panic as a failed check.
func (s *UtxoBchScheme) verifySignature(address, signature, message string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("signature verifier panicked: %v", r)
		}
	}()
	if s.verifier == nil {
		return false, fmt.Errorf("no signature verifier configured")
	}
	return s.verifier.VerifyMessage(address, signature, message)
}

func (s *UtxoBchScheme) reject(v verification) verification {
	fields := map[string]any{
		"reason": string(v.response.InvalidReason),
		"payer":  v.response.Payer,
	}
	if v.response.InvalidMessage != "" {
		fields["detail"] = v.response.InvalidMessage
	}
	if v.response.InvalidReason.IsCatchAll() {
		s.log.Error("payment verification failed", fields)
	} else {
		s.log.Warn("payment rejected", fields)
	}
	return v
}

// ValidateUtxo debits the call cost from the UTXO named by the payload's
// authorization, without checking network, scheme or signature.
func (s *UtxoBchScheme) ValidateUtxo(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (result UtxoValidation) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("utxo validation panicked", map[string]any{"panic": fmt.Sprint(r)})
			result = UtxoValidation{
				InvalidReason: ErrUnexpectedUtxoValidation,
				ErrorMessage:  fmt.Sprint(r),
			}
		}
	}()

	auth, err := bch.AuthorizationFromMap(payload.Payload)
	if err != nil {
		if bch.IsMissingAuthorization(err) {
			return UtxoValidation{InvalidReason: ErrMissingAuthorization, ErrorMessage: err.Error()}
		}
		return UtxoValidation{InvalidReason: ErrInvalidPayload, ErrorMessage: err.Error()}
	}
	return s.debit(ctx, auth, requirements)
}

func (s *UtxoBchScheme) debit(ctx context.Context, auth *bch.Authorization, requirements x402.PaymentRequirements) UtxoValidation {
	if s.ledger == nil {
		return UtxoValidation{InvalidReason: ErrStorageUnavailable, ErrorMessage: "utxo ledger not initialized"}
	}

	cost, err := requirements.CallCost()
	if err != nil {
		return UtxoValidation{InvalidReason: ErrUnexpectedUtxoValidation, ErrorMessage: err.Error()}
	}

	var lookup ledger.UtxoLookup
	if s.wallet != nil {
		lookup = s.wallet.ValidateUtxo
	}

	res := s.ledger.Debit(ctx, ledger.DebitRequest{
		Txid:         auth.Txid,
		Vout:         auth.Vout,
		CallCostSat:  cost,
		PayerAddress: auth.From,
	}, lookup)

	if !res.OK {
		v := UtxoValidation{
			InvalidReason: res.Reason,
			ErrorMessage:  res.Detail,
		}
		if res.RemainingBalanceSat != nil {
			v.RemainingBalanceSat = res.RemainingBalanceSat.String()
		}
		if res.UtxoAmountSat != nil {
			v.UtxoAmountSat = res.UtxoAmountSat.String()
		}
		return v
	}

	if res.Created {
		s.log.Info("utxo added to ledger", map[string]any{
			"utxoId":              res.Record.UtxoID,
			"transactionValueSat": res.Record.TransactionValueSat.String(),
		})
	}

	return UtxoValidation{
		IsValid:             true,
		RemainingBalanceSat: res.RemainingBalanceSat.String(),
		Record:              res.Record,
	}
}
