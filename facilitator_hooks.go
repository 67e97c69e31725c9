package x402

import (
	"context"
	"time"
)

// Operation names the registry call a hook runs for.
type Operation string

const (
	OperationVerify Operation = "verify"
	OperationSettle Operation = "settle"
)

// FacilitatorContext describes one verify or settle request. Network is the
// canonical network of the mechanism the request resolved to, and is empty
// when no registered mechanism serves it.
type FacilitatorContext struct {
	Ctx                 context.Context
	Operation           Operation
	PaymentPayload      PaymentPayload
	PaymentRequirements PaymentRequirements
	Network             Network
	Timestamp           time.Time
}

// MetricNetwork is the network to attribute the request to: the resolved
// network, falling back to what the requirements declared.
func (c FacilitatorContext) MetricNetwork() Network {
	if c.Network != "" {
		return c.Network
	}
	return c.PaymentRequirements.Network
}

type FacilitatorVerifyResultContext struct {
	FacilitatorContext
	Result   VerifyResponse
	Duration time.Duration
}

type FacilitatorVerifyFailureContext struct {
	FacilitatorContext
	Error    error
	Duration time.Duration
}

type FacilitatorSettleResultContext struct {
	FacilitatorContext
	Result   SettleResponse
	Duration time.Duration
}

type FacilitatorSettleFailureContext struct {
	FacilitatorContext
	Error    error
	Duration time.Duration
}

// FacilitatorBeforeHookResult lets a before hook reject a request with Reason
// and Message. The mechanism is not called.
type FacilitatorBeforeHookResult struct {
	Abort   bool
	Reason  Reason
	Message string
}

// FacilitatorVerifyFailureHookResult replaces a verify error with Result when Recovered.
type FacilitatorVerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// FacilitatorSettleFailureHookResult replaces a settle error with Result when Recovered.
type FacilitatorSettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// Before hooks run after routing and before the mechanism. A returned error
// fails the request with the catch-all reason of the operation.
type (
	FacilitatorBeforeVerifyHook func(FacilitatorContext) (*FacilitatorBeforeHookResult, error)
	FacilitatorBeforeSettleHook func(FacilitatorContext) (*FacilitatorBeforeHookResult, error)
)

// After hooks observe every response the registry returns without an error,
// including business rejections. Their errors are ignored.
type (
	FacilitatorAfterVerifyHook func(FacilitatorVerifyResultContext) error
	FacilitatorAfterSettleHook func(FacilitatorSettleResultContext) error
)

// Failure hooks run when a mechanism returns an error. The first hook that
// recovers decides the response.
type (
	FacilitatorOnVerifyFailureHook func(FacilitatorVerifyFailureContext) (*FacilitatorVerifyFailureHookResult, error)
	FacilitatorOnSettleFailureHook func(FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error)
)
