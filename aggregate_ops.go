// aggregate_ops.go: encrypted sum and average over the first N slots
//
// Sum:     log2(W) rotate-and-add steps, W = N rounded up to a power of two.
//          No level consumed, scale unchanged.
// Average: Sum, then multiply by Enc(1/N) encoded at the ciphertext's scale and
//          rescale once. Exactly one level consumed.
//
// When N is not a power of two the client must zero-fill slots N..W-1; the
// doubling pattern folds W slots into slot 0.

package main

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Operation selects what the finisher does with the slot sum.
type Operation string

const (
	OpSum     Operation = "sum"
	OpAverage Operation = "average"
)

// ParseOperation maps the wire value to an Operation. An empty value means
// average, matching what /compute_average has always returned.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "", string(OpAverage), "mean":
		return OpAverage, nil
	case string(OpSum):
		return OpSum, nil
	default:
		return "", newError(KindInvalidRequest, nil, "unknown operation %q (use sum or average)", s)
	}
}

// Width rounds n up to the next power of two.
func Width(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// RequiredRotations returns the rotation steps RotationSum performs for n
// slots: the powers of two strictly below Width(n), in increasing order.
func RequiredRotations(n int) []int {
	var steps []int
	for step := 1; step < Width(n); step <<= 1 {
		steps = append(steps, step)
	}
	return steps
}

func checkSampleSize(ec *EvalContext, n int) error {
	if n < 1 {
		return newError(KindInvalidRequest, nil, "sample_size must be positive, got %d", n)
	}
	if Width(n) > ec.SlotCount() {
		return newError(KindInvalidRequest, nil,
			"sample_size %d needs %d slots, context has %d", n, Width(n), ec.SlotCount())
	}
	return nil
}

// RotationSum returns a new ciphertext whose slot 0 holds the sum of the first
// n slots of ct. ct is never modified. Every rotation key is checked before
// the first rotation, so a missing key fails without any partial work.
func RotationSum(ctx context.Context, ec *EvalContext, keys *KeySet, ct *rlwe.Ciphertext, n int) (*rlwe.Ciphertext, error) {
	if err := checkSampleSize(ec, n); err != nil {
		return nil, err
	}

	steps := RequiredRotations(n)
	for _, step := range steps {
		if keys == nil {
			return nil, errMissingRotationKey(step, nil)
		}
		if _, err := keys.Evk.GetGaloisKey(ec.Params.GaloisElement(step)); err != nil {
			return nil, errMissingRotationKey(step, err)
		}
	}

	eval := ec.Evaluator(keys)

	total := ct.CopyNew()
	if total.Degree() > 1 {
		if !keys.HasRelinearizationKey() {
			return nil, newError(KindMissingRelinearization, nil,
				"ciphertext has degree %d and no relinearization key was supplied", total.Degree())
		}
		relin, err := eval.RelinearizeNew(total)
		if err != nil {
			return nil, newError(KindInternal, err, "failed to relinearize input")
		}
		total = relin
	}

	rotated := ckks.NewCiphertext(ec.Params, 1, total.Level())
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, newError(KindCancelled, err, "compute cancelled before rotation %d", step)
		}
		if err := eval.Rotate(total, step, rotated); err != nil {
			return nil, newError(KindInternal, err, "failed to rotate by %d", step)
		}
		if err := eval.Add(total, rotated, total); err != nil {
			return nil, newError(KindInternal, err, "failed to add rotation %d", step)
		}
	}

	return total, nil
}

// levelExhausted reports whether ct can no longer be rescaled.
func levelExhausted(params ckks.Parameters, ct *rlwe.Ciphertext) bool {
	return ct.Level() < params.LevelsConsumedPerRescaling()
}

// Finish turns a slot sum into the requested result. OpSum returns sum as is.
// OpAverage returns a new ciphertext one level below sum.
func Finish(ec *EvalContext, sum *rlwe.Ciphertext, sampleSize int, op Operation) (*rlwe.Ciphertext, error) {
	switch op {
	case OpSum:
		return sum, nil
	case OpAverage:
	default:
		return nil, newError(KindInvalidRequest, nil, "unknown operation %q", op)
	}

	if sampleSize < 1 {
		return nil, newError(KindInvalidRequest, nil, "sample_size must be positive, got %d", sampleSize)
	}

	params := ec.Params
	if levelExhausted(params, sum) {
		return nil, newError(KindLevelExhausted, nil,
			"ciphertext is at level %d, no rescale left for the division", sum.Level())
	}

	// Encode 1/n in every slot at the ciphertext's own scale.
	pt := ckks.NewPlaintext(params, sum.Level())
	pt.Scale = sum.Scale
	values := make([]float64, params.MaxSlots())
	inv := 1.0 / float64(sampleSize)
	for i := range values {
		values[i] = inv
	}
	if err := ec.Encoder().Encode(values, pt); err != nil {
		return nil, newError(KindInternal, err, "failed to encode 1/%d", sampleSize)
	}
	if err := checkScaleMatch(pt, sum); err != nil {
		return nil, err
	}

	// ct x pt keeps degree 1: no relinearization.
	eval := ec.Evaluator(nil)
	avg, err := eval.MulNew(sum, pt)
	if err != nil {
		return nil, newError(KindInternal, err, "failed to multiply by 1/%d", sampleSize)
	}
	if err := eval.Rescale(avg, avg); err != nil {
		return nil, newError(KindInternal, err, "failed to rescale")
	}
	return avg, nil
}

func checkScaleMatch(pt *rlwe.Plaintext, ct *rlwe.Ciphertext) error {
	if pt.Scale.Cmp(ct.Scale) != 0 {
		return newError(KindInternal, nil,
			"plaintext scale %v does not match ciphertext scale %v", pt.Scale.Float64(), ct.Scale.Float64())
	}
	return nil
}

// Result is the output of the compute stage.
type Result struct {
	Ciphertext *rlwe.Ciphertext
	Operation  Operation
	LevelIn    int
	LevelOut   int
	Scale      float64
	Elapsed    time.Duration
}

// Compute runs the aggregator and the finisher on ct.
func Compute(ctx context.Context, ec *EvalContext, keys *KeySet, ct *rlwe.Ciphertext, sampleSize int, op Operation) (*Result, error) {
	start := time.Now()

	// Fail before spending rotations on an average that cannot be finished.
	if op == OpAverage && levelExhausted(ec.Params, ct) {
		return nil, newError(KindLevelExhausted, nil,
			"ciphertext is at level %d, no rescale left for the division", ct.Level())
	}

	sum, err := RotationSum(ctx, ec, keys, ct, sampleSize)
	if err != nil {
		return nil, err
	}

	out, err := Finish(ec, sum, sampleSize, op)
	if err != nil {
		return nil, err
	}

	return &Result{
		Ciphertext: out,
		Operation:  op,
		LevelIn:    ct.Level(),
		LevelOut:   out.Level(),
		Scale:      out.Scale.Float64(),
		Elapsed:    time.Since(start),
	}, nil
}

func (r *Result) String() string {
	return fmt.Sprintf("%s level %d->%d in %v", r.Operation, r.LevelIn, r.LevelOut, r.Elapsed)
}
