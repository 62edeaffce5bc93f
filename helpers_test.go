package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// testKit plays the client: it owns the secret key and produces what a real
// client would send to the node.
type testKit struct {
	params    ckks.Parameters
	ec        *EvalContext
	kgen      *rlwe.KeyGenerator
	sk        *rlwe.SecretKey
	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

func newTestKit(t *testing.T) *testKit {
	t.Helper()

	// Small parameters for testing
	params, err := PresetParameters(12, 40)
	require.NoError(t, err)

	ec, err := NewEvalContext(params, ContextPolicy{})
	require.NoError(t, err)

	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()

	return &testKit{
		params:    params,
		ec:        ec,
		kgen:      kgen,
		sk:        sk,
		encoder:   ckks.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, sk),
		decryptor: rlwe.NewDecryptor(params, sk),
	}
}

// rotationKeys generates Galois keys for the given rotation steps.
func (k *testKit) rotationKeys(steps []int) *rlwe.MemEvaluationKeySet {
	gks := k.kgen.GenGaloisKeysNew(k.params.GaloisElements(steps), k.sk)
	return rlwe.NewMemEvaluationKeySet(nil, gks...)
}

// keySet returns rotation keys for sampleSize plus a relinearization key.
func (k *testKit) keySet(sampleSize int) *KeySet {
	rlk := k.kgen.GenRelinearizationKeyNew(k.sk)
	return NewKeySet(k.rotationKeys(RequiredRotations(sampleSize)), rlk)
}

// encrypt places values in the first slots (the rest are zero) at level.
func (k *testKit) encrypt(t *testing.T, values []float64, level int) *rlwe.Ciphertext {
	t.Helper()
	pt := ckks.NewPlaintext(k.params, level)
	require.NoError(t, k.encoder.Encode(values, pt))
	ct, err := k.encryptor.EncryptNew(pt)
	require.NoError(t, err)
	return ct
}

func (k *testKit) decrypt(t *testing.T, ct *rlwe.Ciphertext) []float64 {
	t.Helper()
	pt := k.decryptor.DecryptNew(ct)
	values := make([]float64, k.params.MaxSlots())
	require.NoError(t, k.encoder.Decode(pt, values))
	return values
}

func (k *testKit) parametersText(t *testing.T) string {
	t.Helper()
	raw, err := MarshalParameters(k.params)
	require.NoError(t, err)
	return EncodeText(raw)
}

func sequence(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i + 1)
	}
	return values
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
}
