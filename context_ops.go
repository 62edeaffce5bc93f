// context_ops.go: CKKS evaluation context reconstruction
//
// The client ships its parameter set as the bytes produced by
// ckks.Parameters.MarshalBinary. The node rebuilds the parameters, checks them
// with Lattigo's own constructor plus a few consistency rules, and only then
// lets anything be decoded against them.

package main

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// presetChain is a modulus chain handed out by the params command.
type presetChain struct {
	logQ, logP []int
}

// Chains by logN. Q moduli after the first sit at 40 bits, the default scale,
// so the single rescale after the 1/n multiply lands back near it. Each chain
// leaves at least one level beyond what an average consumes.
var presetChains = map[int]presetChain{
	12: {logQ: []int{50, 40, 40}, logP: []int{50}}, // test fixtures and the engine self-check
	13: {logQ: []int{55, 40, 40, 40, 40}, logP: []int{45, 45}},
	14: {logQ: []int{55, 40, 40, 40, 40, 40, 40}, logP: []int{45, 45}},
	15: {logQ: []int{60, 45, 45, 45, 45, 45, 45, 45, 45}, logP: []int{50, 50}},
}

// PresetParameters returns the parameter set a client should generate its keys
// with for a ring of 2^logN. A zero logScale means 40. The node itself accepts
// any valid set unless a ContextPolicy pins the ring degree.
func PresetParameters(logN, logScale int) (ckks.Parameters, error) {
	chain, ok := presetChains[logN]
	if !ok {
		return ckks.Parameters{}, fmt.Errorf("no preset for ring degree 2^%d, choose logN between 12 and 15", logN)
	}
	if logScale == 0 {
		logScale = 40
	}
	return ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            chain.logQ,
		LogP:            chain.logP,
		LogDefaultScale: logScale,
	})
}

// CheckEngine builds the smallest preset context and round-trips one value
// through its encoder.
func CheckEngine() error {
	params, err := PresetParameters(12, 40)
	if err != nil {
		return fmt.Errorf("failed to build preset parameters: %w", err)
	}
	ec, err := NewEvalContext(params, ContextPolicy{})
	if err != nil {
		return err
	}

	enc := ec.Encoder()
	pt := ckks.NewPlaintext(params, params.MaxLevel())
	if err := enc.Encode([]float64{1}, pt); err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	values := make([]float64, params.MaxSlots())
	if err := enc.Decode(pt, values); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	if math.Abs(values[0]-1) > 1e-6 {
		return fmt.Errorf("encoder round trip returned %v", values[0])
	}
	return nil
}

// ContextPolicy holds deployment constraints applied on top of validity.
// Zero values disable the corresponding check.
type ContextPolicy struct {
	ExpectedLogN   int
	MaxChainLength int
}

// EvalContext is a validated, read-only evaluation context.
type EvalContext struct {
	Params  ckks.Parameters
	encoder *ckks.Encoder
}

// BuildContext decodes serialized parameters and returns a validated context.
func BuildContext(raw []byte, policy ContextPolicy) (*EvalContext, error) {
	if len(raw) == 0 {
		return nil, newError(KindParameterDecode, nil, "empty parameter bytes")
	}

	var lit ckks.ParametersLiteral
	if err := json.Unmarshal(raw, &lit); err != nil {
		return nil, newError(KindParameterDecode, err, "failed to decode parameters")
	}

	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, newError(KindInvalidParameters, err, "parameters rejected by engine")
	}

	return NewEvalContext(params, policy)
}

// NewEvalContext validates already-built parameters against the consistency
// rules and the policy.
func NewEvalContext(params ckks.Parameters, policy ContextPolicy) (*EvalContext, error) {
	if err := checkParameters(params); err != nil {
		return nil, newError(KindInvalidParameters, err, "inconsistent parameters")
	}

	if policy.ExpectedLogN != 0 && params.LogN() != policy.ExpectedLogN {
		return nil, newError(KindConfigMismatch, nil,
			"expected ring degree %d, received %d", 1<<policy.ExpectedLogN, params.N())
	}
	if policy.MaxChainLength != 0 && params.QCount() > policy.MaxChainLength {
		return nil, newError(KindConfigMismatch, nil,
			"expected at most %d moduli in the chain, received %d", policy.MaxChainLength, params.QCount())
	}

	return &EvalContext{
		Params:  params,
		encoder: ckks.NewEncoder(params),
	}, nil
}

func checkParameters(params ckks.Parameters) error {
	if params.N() <= 0 {
		return fmt.Errorf("ring degree is zero")
	}
	if params.RingType() != ring.Standard {
		return fmt.Errorf("ring type %v is not supported, only the standard CKKS ring", params.RingType())
	}
	if params.QCount() == 0 {
		return fmt.Errorf("empty modulus chain")
	}
	if params.LogDefaultScale() <= 0 {
		return fmt.Errorf("default scale must be positive")
	}
	if params.MaxSlots() != params.N()/2 {
		return fmt.Errorf("slot count %d does not match ring degree %d", params.MaxSlots(), params.N())
	}
	return nil
}

// SlotCount is the number of plaintext slots (ring degree / 2).
func (ec *EvalContext) SlotCount() int {
	return ec.Params.MaxSlots()
}

// ChainLength is the number of moduli in the Q chain.
func (ec *EvalContext) ChainLength() int {
	return ec.Params.QCount()
}

func (ec *EvalContext) RingDegree() int {
	return ec.Params.N()
}

// ChainIndex is the number of rescales still available to ct.
func (ec *EvalContext) ChainIndex(ct *rlwe.Ciphertext) int {
	return ct.Level()
}

func (ec *EvalContext) Scale(ct *rlwe.Ciphertext) float64 {
	return ct.Scale.Float64()
}

// Encoder returns an encoder safe for use by a single goroutine.
func (ec *EvalContext) Encoder() *ckks.Encoder {
	return ec.encoder.ShallowCopy()
}

// Evaluator returns a fresh evaluator bound to the given key set.
func (ec *EvalContext) Evaluator(keys *KeySet) *ckks.Evaluator {
	if keys == nil {
		return ckks.NewEvaluator(ec.Params, nil)
	}
	return ckks.NewEvaluator(ec.Params, keys.Evk)
}

// MarshalParameters is the inverse of BuildContext's decoding step.
func MarshalParameters(params ckks.Parameters) ([]byte, error) {
	data, err := params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize parameters: %w", err)
	}
	return data, nil
}
