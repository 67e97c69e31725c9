package metrics

import (
	x402 "github.com/x402-bch/facilitator"
)

// Instrument registers lifecycle hooks on f that count verify and settle
// outcomes and observe their latency.
func Instrument(f *x402.X402Facilitator, rec Recorder) *x402.X402Facilitator {
	if rec == nil {
		rec = NoopRecorder{}
	}

	f.OnAfterVerify(func(ctx x402.FacilitatorVerifyResultContext) error {
		labels := map[string]string{
			"network": string(ctx.MetricNetwork()),
			"reason":  outcome(ctx.Result.IsValid, ctx.Result.InvalidReason),
		}
		rec.IncCounter("verify", labels)
		rec.ObserveLatency("verify", ctx.Duration, labels)
		return nil
	})

	f.OnVerifyFailure(func(ctx x402.FacilitatorVerifyFailureContext) (*x402.FacilitatorVerifyFailureHookResult, error) {
		labels := map[string]string{
			"network": string(ctx.MetricNetwork()),
			"reason":  string(x402.ReasonUnexpectedVerifyError),
		}
		rec.IncCounter("verify", labels)
		rec.ObserveLatency("verify", ctx.Duration, labels)
		return nil, nil
	})

	f.OnAfterSettle(func(ctx x402.FacilitatorSettleResultContext) error {
		labels := map[string]string{
			"network": string(ctx.MetricNetwork()),
			"reason":  outcome(ctx.Result.Success, ctx.Result.ErrorReason),
		}
		rec.IncCounter("settle", labels)
		rec.ObserveLatency("settle", ctx.Duration, labels)
		return nil
	})

	f.OnSettleFailure(func(ctx x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		labels := map[string]string{
			"network": string(ctx.MetricNetwork()),
			"reason":  string(x402.ReasonUnexpectedSettleError),
		}
		rec.IncCounter("settle", labels)
		rec.ObserveLatency("settle", ctx.Duration, labels)
		return nil, nil
	})

	return f
}

func outcome(ok bool, reason x402.Reason) string {
	if ok {
		return "ok"
	}
	if reason == "" {
		return "unknown"
	}
	return string(reason)
}
