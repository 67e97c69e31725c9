package x402

import (
	"context"
	"sort"
	"sync"
	"time"
)

// X402Facilitator manages payment verification and settlement across the
// registered scheme mechanisms
type X402Facilitator struct {
	mu sync.RWMutex

	schemes  map[Network]map[string]SchemeNetworkFacilitator
	extras   map[Network]map[string]interface{}
	networks []Network // registration order

	extensions []string

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

func Newx402Facilitator() *X402Facilitator {
	return &X402Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extras:     make(map[Network]map[string]interface{}),
		extensions: []string{},
	}
}

// Register registers a facilitator mechanism for a network
func (f *X402Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator, extra ...interface{}) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
		f.networks = append(f.networks, network)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator

	if len(extra) > 0 {
		if f.extras[network] == nil {
			f.extras[network] = make(map[string]interface{})
		}
		f.extras[network][facilitator.Scheme()] = extra[0]
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}

	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *X402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify routes a payment to its mechanism and returns the verification result.
// Business rejections are reported in the response; the error is reserved for
// faults no mechanism could classify.
func (f *X402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error) {
	f.mu.RLock()
	before := f.beforeVerifyHooks
	after := f.afterVerifyHooks
	onFailure := f.onVerifyFailureHooks
	f.mu.RUnlock()

	mechanism, network, reason := f.resolve(payload, requirements)
	hookCtx := FacilitatorContext{
		Ctx:                 ctx,
		Operation:           OperationVerify,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Network:             network,
		Timestamp:           time.Now(),
	}

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{IsValid: false, InvalidReason: ReasonUnexpectedVerifyError, InvalidMessage: err.Error()}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason, InvalidMessage: result.Message}, nil
		}
	}

	var resp VerifyResponse
	var err error
	if mechanism == nil {
		resp = VerifyResponse{IsValid: false, InvalidReason: reason}
	} else {
		resp, err = mechanism.Verify(ctx, payload, requirements)
	}

	if err != nil {
		failureCtx := FacilitatorVerifyFailureContext{
			FacilitatorContext: hookCtx,
			Error:              err,
			Duration:           time.Since(hookCtx.Timestamp),
		}
		for _, hook := range onFailure {
			if result, _ := hook(failureCtx); result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return resp, err
	}

	resultCtx := FacilitatorVerifyResultContext{
		FacilitatorContext: hookCtx,
		Result:             resp,
		Duration:           time.Since(hookCtx.Timestamp),
	}
	for _, hook := range after {
		_ = hook(resultCtx)
	}

	return resp, nil
}

// Settle routes a payment to its mechanism and returns the settlement result.
// Responses the registry builds itself report the resolved network, or the
// first registered network when the request matched none.
func (f *X402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error) {
	f.mu.RLock()
	before := f.beforeSettleHooks
	after := f.afterSettleHooks
	onFailure := f.onSettleFailureHooks
	f.mu.RUnlock()

	mechanism, network, reason := f.resolve(payload, requirements)
	hookCtx := FacilitatorContext{
		Ctx:                 ctx,
		Operation:           OperationSettle,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Network:             network,
		Timestamp:           time.Now(),
	}

	reported := network
	if reported == "" {
		reported = f.defaultNetwork()
	}

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return SettleResponse{Success: false, ErrorReason: ReasonUnexpectedSettleError, ErrorMessage: err.Error(), Network: reported}, err
		}
		if result != nil && result.Abort {
			return SettleResponse{Success: false, ErrorReason: result.Reason, ErrorMessage: result.Message, Network: reported}, nil
		}
	}

	var resp SettleResponse
	var err error
	if mechanism == nil {
		resp = SettleResponse{Success: false, ErrorReason: reason, Network: reported}
	} else {
		resp, err = mechanism.Settle(ctx, payload, requirements)
	}

	if err != nil {
		failureCtx := FacilitatorSettleFailureContext{
			FacilitatorContext: hookCtx,
			Error:              err,
			Duration:           time.Since(hookCtx.Timestamp),
		}
		for _, hook := range onFailure {
			if result, _ := hook(failureCtx); result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return resp, err
	}

	resultCtx := FacilitatorSettleResultContext{
		FacilitatorContext: hookCtx,
		Result:             resp,
		Duration:           time.Since(hookCtx.Timestamp),
	}
	for _, hook := range after {
		_ = hook(resultCtx)
	}

	return resp, nil
}

// GetSupported returns supported payment kinds
func (f *X402Facilitator) GetSupported(ctx context.Context) (SupportedResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signers := make(map[string][]string)

	for _, network := range f.networks {
		schemeMap := f.schemes[network]
		for _, scheme := range sortedSchemes(schemeMap) {
			facilitator := schemeMap[scheme]
			kind := SupportedKind{
				X402Version: 2,
				Scheme:      scheme,
				Network:     network,
				Extra:       facilitator.GetExtra(network),
			}
			if extra := f.extras[network][scheme]; extra != nil {
				if extraMap, ok := extra.(map[string]interface{}); ok {
					kind.Extra = extraMap
				}
			}
			kinds = append(kinds, kind)

			family := facilitator.CaipFamily()
			if _, ok := signers[family]; !ok {
				signers[family] = []string{}
			}
			for _, addr := range facilitator.GetSigners(network) {
				if !containsString(signers[family], addr) {
					signers[family] = append(signers[family], addr)
				}
			}
		}
	}

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string{}, f.extensions...),
		Signers:    signers,
	}, nil
}

// ============================================================================
// Routing
// ============================================================================

// resolve finds the mechanism for a request. Both the payload and the
// requirements must name a registered network before the scheme is
// considered, so a request failing both checks reports the network. The
// returned network is the mechanism's canonical form of the requirements
// network, set whenever the network matched.
func (f *X402Facilitator) resolve(payload PaymentPayload, requirements PaymentRequirements) (SchemeNetworkFacilitator, Network, Reason) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, registered := range f.networks {
		schemeMap := f.schemes[registered]
		canonical, ok := servedBy(schemeMap, registered, requirements.Network)
		if !ok {
			continue
		}
		if _, ok := servedBy(schemeMap, registered, payload.PaymentNetwork()); !ok {
			continue
		}

		if payload.PaymentScheme() != requirements.Scheme {
			return nil, canonical, ReasonInvalidScheme
		}
		mechanism := schemeMap[requirements.Scheme]
		if mechanism == nil {
			return nil, canonical, ReasonInvalidScheme
		}
		return mechanism, canonical, ""
	}

	return nil, "", ReasonInvalidNetwork
}

func (f *X402Facilitator) defaultNetwork() Network {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.networks) == 0 {
		return ""
	}
	return f.networks[0]
}

// servedBy reports whether any mechanism registered under registered accepts
// requested, returning that mechanism's normalized form of it.
func servedBy(schemeMap map[string]SchemeNetworkFacilitator, registered, requested Network) (Network, bool) {
	for _, mechanism := range schemeMap {
		normalized := mechanism.NormalizeNetwork(requested)
		if normalized.Match(registered) {
			return normalized, true
		}
	}
	return "", false
}

func sortedSchemes(schemeMap map[string]SchemeNetworkFacilitator) []string {
	names := make([]string, 0, len(schemeMap))
	for name := range schemeMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
