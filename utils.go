package x402

import "fmt"

// ValidatePaymentPayload performs basic validation on a payment payload.
// An empty network is allowed; mechanisms normalize it.
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version < 1 || p.X402Version > 2 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.PaymentScheme() == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	cost, err := r.CallCost()
	if err != nil {
		return err
	}
	if cost.Sign() < 0 {
		return fmt.Errorf("payment amount must not be negative: %s", cost)
	}
	return nil
}
