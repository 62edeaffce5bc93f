// codec_ops.go: wire codec for ciphertexts and evaluation keys
//
// Encoding is two stages: Lattigo's native MarshalBinary, then an optional zstd
// pass. Whether the zstd stage is applied is agreed out of band (the -compress
// flag on both ends); the bytes are never sniffed to guess it.

package main

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Upper bound for a single decompressed object.
const maxDecodedObjectBytes = 1 << 30

// KeySet bundles the rotation keys and the (optional) relinearization key of a
// client. It is never mutated after decoding.
type KeySet struct {
	Evk *rlwe.MemEvaluationKeySet
}

// NewKeySet assembles a key set; rlk may be nil.
func NewKeySet(rotations *rlwe.MemEvaluationKeySet, rlk *rlwe.RelinearizationKey) *KeySet {
	evk := rlwe.NewMemEvaluationKeySet(rlk)
	if rotations != nil {
		for galEl, gk := range rotations.GaloisKeys {
			evk.GaloisKeys[galEl] = gk
		}
	}
	return &KeySet{Evk: evk}
}

func (ks *KeySet) HasRelinearizationKey() bool {
	return ks != nil && ks.Evk.RelinearizationKey != nil
}

// GaloisElements lists the Galois elements for which a key is present.
func (ks *KeySet) GaloisElements() []uint64 {
	if ks == nil {
		return nil
	}
	return ks.Evk.GetGaloisKeysList()
}

type binaryObject interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
	BinarySize() int
}

// Codec converts cryptographic objects to and from their wire form.
// It is safe for concurrent use.
type Codec struct {
	Compress bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCodec(compress bool) (*Codec, error) {
	c := &Codec{Compress: compress}
	if !compress {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.enc, c.dec = enc, dec
	return c, nil
}

func (c *Codec) pack(data []byte) []byte {
	if !c.Compress {
		return data
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (c *Codec) unpack(data []byte) ([]byte, error) {
	if !c.Compress {
		return data, nil
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, newError(KindDecompression, err, "failed to decompress object")
	}
	return out, nil
}

func (c *Codec) encode(obj binaryObject, what string) ([]byte, error) {
	data, err := obj.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", what, err)
	}
	return c.pack(data), nil
}

// open strips the compression stage.
func (c *Codec) open(raw []byte, what string) ([]byte, error) {
	data, err := c.unpack(raw)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newError(KindObjectDecode, nil, "empty %s", what)
	}
	return data, nil
}

// unmarshal hands data to Lattigo's reader. Only bytes whose size (and, where
// available, frame) was already checked may reach it: its readers trust the
// embedded lengths.
func unmarshal(data []byte, obj binaryObject, what string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindObjectDecode, fmt.Errorf("%v", r), "malformed %s", what)
		}
	}()

	if err := obj.UnmarshalBinary(data); err != nil {
		return newError(KindObjectDecode, err, "failed to deserialize %s", what)
	}
	if size := obj.BinarySize(); size != len(data) {
		return newError(KindObjectDecode, nil, "%s: decoded %d of %d bytes", what, size, len(data))
	}
	return nil
}

// frame is the byte layout an encoded object must follow. zero and ones are
// the same template marshalled with every coefficient cleared and set: bytes
// on which they agree are lengths and flags. Bytes in [skipFrom, skipTo) hold
// metadata and are not compared.
type frame struct {
	zero, ones       []byte
	skipFrom, skipTo int
}

func (f *frame) matches(data []byte) bool {
	if len(data) != len(f.zero) || len(f.zero) != len(f.ones) {
		return false
	}
	for i := range data {
		if i >= f.skipFrom && i < f.skipTo {
			continue
		}
		if f.zero[i] == f.ones[i] && data[i] != f.zero[i] {
			return false
		}
	}
	return true
}

func fillPoly(p ring.Poly, v uint64) {
	for _, row := range p.Coeffs {
		for i := range row {
			row[i] = v
		}
	}
}

func fillGadget(ct *rlwe.GadgetCiphertext, v uint64) {
	for i := range ct.Value {
		for j := range ct.Value[i] {
			for _, p := range ct.Value[i][j] {
				fillPoly(p.Q, v)
				fillPoly(p.P, v)
			}
		}
	}
}

func newFrame(tmpl binaryObject, fill func(uint64)) (*frame, error) {
	fill(0)
	zero, err := tmpl.MarshalBinary()
	if err != nil {
		return nil, err
	}
	fill(^uint64(0))
	ones, err := tmpl.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &frame{zero: zero, ones: ones}, nil
}

type shape struct{ degree, level int }

// ciphertextShapes lists the degree and level pairs whose encoding is exactly
// n bytes long. Sizes are affine in the number of polynomials and in the
// level, so three small templates fix them.
func ciphertextShapes(params ckks.Parameters, n int) []shape {
	size := func(deg, lvl int) int {
		return rlwe.NewCiphertext(params, deg, lvl).BinarySize()
	}

	var shapes []shape
	s10, s20 := size(1, 0), size(2, 0)
	if params.MaxLevel() == 0 {
		if n == s10 {
			shapes = append(shapes, shape{1, 0})
		}
		if n == s20 {
			shapes = append(shapes, shape{2, 0})
		}
		return shapes
	}

	row := (size(1, 1) - s10) / 2
	poly := s20 - s10
	head := s10 - 2*poly
	if row <= 0 || poly <= 0 {
		return nil
	}

	for deg := 1; deg <= 2; deg++ {
		rest := n - head
		if rest <= 0 || rest%(deg+1) != 0 {
			continue
		}
		extra := rest/(deg+1) - poly
		if extra < 0 || extra%row != 0 {
			continue
		}
		if lvl := extra / row; lvl <= params.MaxLevel() {
			shapes = append(shapes, shape{deg, lvl})
		}
	}
	return shapes
}

// ciphertextFrame returns an empty ciphertext of the given shape and the
// frame its encoding follows.
func ciphertextFrame(params ckks.Parameters, sh shape) (*rlwe.Ciphertext, *frame, error) {
	ct := rlwe.NewCiphertext(params, sh.degree, sh.level)
	f, err := newFrame(ct, func(v uint64) {
		for _, p := range ct.Value {
			fillPoly(p, v)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if ct.MetaData != nil {
		f.skipFrom, f.skipTo = 1, 1+ct.MetaData.BinarySize()
	}
	return ct, f, nil
}

func (c *Codec) EncodeCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	return c.encode(ct, "ciphertext")
}

// DecodeCiphertext decodes a ciphertext and checks that it lives in ec.
func (c *Codec) DecodeCiphertext(raw []byte, ec *EvalContext) (*rlwe.Ciphertext, error) {
	data, err := c.open(raw, "ciphertext")
	if err != nil {
		return nil, err
	}

	params := ec.Params
	var ct *rlwe.Ciphertext
	for _, sh := range ciphertextShapes(params, len(data)) {
		tmpl, f, err := ciphertextFrame(params, sh)
		if err != nil {
			return nil, newError(KindInternal, err, "failed to build ciphertext template")
		}
		if f.matches(data) {
			ct = tmpl
			break
		}
	}
	if ct == nil {
		return nil, newError(KindObjectDecode, nil,
			"ciphertext of %d bytes does not fit ring degree %d with %d moduli", len(data), params.N(), params.QCount())
	}

	if err := unmarshal(data, ct, "ciphertext"); err != nil {
		return nil, err
	}

	if ct.N() != params.N() {
		return nil, newError(KindObjectDecode, nil,
			"ciphertext ring degree %d does not match context ring degree %d", ct.N(), params.N())
	}
	if ct.Level() > params.MaxLevel() {
		return nil, newError(KindObjectDecode, nil,
			"ciphertext level %d above chain maximum %d", ct.Level(), params.MaxLevel())
	}
	if ct.Degree() < 1 || ct.Degree() > 2 {
		return nil, newError(KindObjectDecode, nil, "unsupported ciphertext degree %d", ct.Degree())
	}
	return ct, nil
}

func (c *Codec) EncodeRotationKeys(evk *rlwe.MemEvaluationKeySet) ([]byte, error) {
	return c.encode(evk, "rotation keys")
}

// checkEvaluationKey rejects keys built for another modulus chain.
func checkEvaluationKey(ct *rlwe.GadgetCiphertext, params ckks.Parameters) error {
	if len(ct.Value) == 0 || len(ct.Value[0]) == 0 || len(ct.Value[0][0]) == 0 {
		return fmt.Errorf("empty key")
	}
	if q, p := ct.LevelQ(), ct.LevelP(); q != params.MaxLevelQ() || p != params.MaxLevelP() {
		return fmt.Errorf("key levels (Q %d, P %d) do not match the chain (Q %d, P %d)",
			q, p, params.MaxLevelQ(), params.MaxLevelP())
	}
	return nil
}

// DecodeRotationKeys decodes a Galois key set (without relinearization key)
// and checks it was generated for ec's ring and modulus chain.
func (c *Codec) DecodeRotationKeys(raw []byte, ec *EvalContext) (*rlwe.MemEvaluationKeySet, error) {
	data, err := c.open(raw, "rotation keys")
	if err != nil {
		return nil, err
	}

	// A set of k keys takes empty + k*perKey bytes.
	params := ec.Params
	evk := rlwe.NewMemEvaluationKeySet(nil)
	empty := evk.BinarySize()
	one := rlwe.NewMemEvaluationKeySet(nil)
	one.GaloisKeys[1] = rlwe.NewGaloisKey(params)
	perKey := one.BinarySize() - empty
	if perKey <= 0 || len(data) < empty || (len(data)-empty)%perKey != 0 {
		return nil, newError(KindObjectDecode, nil,
			"rotation keys of %d bytes do not fit ring degree %d with %d moduli", len(data), params.N(), params.QCount())
	}

	if err := unmarshal(data, evk, "rotation keys"); err != nil {
		return nil, err
	}

	nthRoot := params.RingQ().NthRoot()
	for galEl, gk := range evk.GaloisKeys {
		if gk.NthRoot != nthRoot {
			return nil, newError(KindObjectDecode, nil,
				"rotation key %d was generated for a different ring", galEl)
		}
		if err := checkEvaluationKey(&gk.GadgetCiphertext, params); err != nil {
			return nil, newError(KindObjectDecode, err,
				"rotation key %d was generated for a different modulus chain", galEl)
		}
	}
	return evk, nil
}

func (c *Codec) EncodeRelinearizationKey(rlk *rlwe.RelinearizationKey) ([]byte, error) {
	return c.encode(rlk, "relinearization key")
}

func (c *Codec) DecodeRelinearizationKey(raw []byte, ec *EvalContext) (*rlwe.RelinearizationKey, error) {
	data, err := c.open(raw, "relinearization key")
	if err != nil {
		return nil, err
	}

	rlk := rlwe.NewRelinearizationKey(ec.Params)
	f, err := newFrame(rlk, func(v uint64) { fillGadget(&rlk.GadgetCiphertext, v) })
	if err != nil {
		return nil, newError(KindInternal, err, "failed to build relinearization key template")
	}
	if !f.matches(data) {
		return nil, newError(KindObjectDecode, nil,
			"relinearization key does not fit ring degree %d with %d moduli", ec.Params.N(), ec.Params.QCount())
	}

	if err := unmarshal(data, rlk, "relinearization key"); err != nil {
		return nil, err
	}
	if err := checkEvaluationKey(&rlk.GadgetCiphertext, ec.Params); err != nil {
		return nil, newError(KindObjectDecode, err, "relinearization key was generated for a different modulus chain")
	}
	return rlk, nil
}

// DecodeKeySet decodes the text-enveloped rotation and relinearization keys of
// a request. An empty relinearization key is allowed.
func (c *Codec) DecodeKeySet(rotationKeysB64, relinKeyB64 string, ec *EvalContext) (*KeySet, error) {
	var rotations *rlwe.MemEvaluationKeySet
	if rotationKeysB64 != "" {
		raw, err := DecodeText(rotationKeysB64, "rotation_keys")
		if err != nil {
			return nil, err
		}
		if rotations, err = c.DecodeRotationKeys(raw, ec); err != nil {
			return nil, err
		}
	}

	var rlk *rlwe.RelinearizationKey
	if relinKeyB64 != "" {
		raw, err := DecodeText(relinKeyB64, "relinearization_key")
		if err != nil {
			return nil, err
		}
		if rlk, err = c.DecodeRelinearizationKey(raw, ec); err != nil {
			return nil, err
		}
	}

	return NewKeySet(rotations, rlk), nil
}

// EncodeText wraps bytes in the base64 envelope used on the wire.
func EncodeText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeText removes the base64 envelope of the named field.
func DecodeText(s, field string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, newError(KindObjectDecode, err, "failed to decode %s", field)
	}
	return data, nil
}
