// node.go: request pipeline shared by the HTTP server and the CLI
//
// setup:   parameters → context → keys → session cache
// compute: session (or self-contained payload) → ciphertext → aggregate →
//          finish → encoded result

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// SetupRequest registers a client's parameters and evaluation keys.
type SetupRequest struct {
	Parameters         string `json:"parameters"`          // Base64 encoded ckks.Parameters
	RotationKeys       string `json:"rotation_keys"`       // Base64 encoded Galois key set
	RelinearizationKey string `json:"relinearization_key"` // Base64 encoded (optional)
}

type SetupResponse struct {
	SessionID   string `json:"session_id"`
	SlotCount   int    `json:"slot_count"`
	RingDegree  int    `json:"ring_degree"`
	ChainLength int    `json:"chain_length"`
	Rotations   int    `json:"rotations"` // Number of Galois keys received
}

// ComputeRequest runs against a cached session. Either Ciphertext or
// PayloadLocator is set; the blob behind a locator holds this same document.
type ComputeRequest struct {
	SessionID      string `json:"session_id,omitempty"` // Empty: current session
	Ciphertext     string `json:"ciphertext,omitempty"` // Base64 encoded
	PayloadLocator string `json:"payload_locator,omitempty"`
	SampleSize     int    `json:"sample_size"`
	Operation      string `json:"operation,omitempty"` // sum or average (default)
}

// AverageRequest is the self-contained form: everything travels with the
// ciphertext and nothing is cached.
type AverageRequest struct {
	Parameters         string `json:"parameters"`
	Ciphertext         string `json:"ciphertext"`
	RotationKeys       string `json:"rotation_keys"`
	RelinearizationKey string `json:"relinearization_key"`
	SampleSize         int    `json:"sample_size"`
	Operation          string `json:"operation,omitempty"`
	PayloadLocator     string `json:"payload_locator,omitempty"`

	// Field names older clients send.
	Parms      string `json:"parms,omitempty"`
	CipherData string `json:"cipher_data,omitempty"`
	GaloisKeys string `json:"galois_keys,omitempty"`
	RelinKeys  string `json:"relin_keys,omitempty"`
}

// normalize copies the older field names into the current ones.
func (r *AverageRequest) normalize() {
	fill := func(dst *string, alias string) {
		if *dst == "" {
			*dst = alias
		}
	}
	fill(&r.Parameters, r.Parms)
	fill(&r.Ciphertext, r.CipherData)
	fill(&r.RotationKeys, r.GaloisKeys)
	fill(&r.RelinearizationKey, r.RelinKeys)
}

type ComputeResponse struct {
	ResultCiphertext string  `json:"result_ciphertext,omitempty"` // Base64 encoded
	ResultLocator    string  `json:"result_locator,omitempty"`    // Set instead when offloaded
	Operation        string  `json:"operation"`
	SampleSize       int     `json:"sample_size"`
	LevelIn          int     `json:"level_in"`
	LevelOut         int     `json:"level_out"`
	Scale            float64 `json:"scale"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`

	// Field names older clients of /compute_average read.
	EncryptedResult       string  `json:"encrypted_result,omitempty"`
	CloudProcessingTimeMs float64 `json:"cloud_processing_time_ms,omitempty"`
}

// Node holds everything a request needs besides its own payload.
type Node struct {
	Codec    *Codec
	Policy   ContextPolicy
	Sessions *SessionCache
	Offload  *Offloader
	Timings  *TimingRecorder
	Log      *slog.Logger
}

// NewNode wires a node from configuration.
func NewNode(cfg *Config, log *slog.Logger) (*Node, error) {
	codec, err := NewCodec(cfg.Compress)
	if err != nil {
		return nil, err
	}
	offload, err := cfg.Offloader()
	if err != nil {
		return nil, err
	}
	return &Node{
		Codec:    codec,
		Policy:   cfg.Policy(),
		Sessions: NewSessionCache(cfg.MaxSessions),
		Offload:  offload,
		Timings:  NewTimingRecorder(defaultTimingWindow),
		Log:      log,
	}, nil
}

// BuildSession decodes parameters and keys. Nothing is cached.
func (n *Node) BuildSession(parametersB64, rotationKeysB64, relinKeyB64 string) (*Session, error) {
	if parametersB64 == "" {
		return nil, newError(KindParameterDecode, nil, "parameters are required")
	}
	raw, err := DecodeText(parametersB64, "parameters")
	if err != nil {
		return nil, newError(KindParameterDecode, err, "failed to decode parameters")
	}
	ec, err := BuildContext(raw, n.Policy)
	if err != nil {
		return nil, err
	}
	keys, err := n.Codec.DecodeKeySet(rotationKeysB64, relinKeyB64, ec)
	if err != nil {
		return nil, err
	}
	return NewSession(ec, keys), nil
}

// Setup builds a session and publishes it. The cache only ever sees a
// complete session.
func (n *Node) Setup(req *SetupRequest) (*SetupResponse, error) {
	s, err := n.BuildSession(req.Parameters, req.RotationKeys, req.RelinearizationKey)
	if err != nil {
		return nil, err
	}
	n.Sessions.Set(s)

	n.Log.Info("session configured",
		"session_id", s.ID,
		"ring_degree", s.Context.RingDegree(),
		"chain_length", s.Context.ChainLength(),
		"rotation_keys", len(s.Keys.GaloisElements()),
		"relinearization_key", s.Keys.HasRelinearizationKey(),
	)

	return &SetupResponse{
		SessionID:   s.ID,
		SlotCount:   s.Context.SlotCount(),
		RingDegree:  s.Context.RingDegree(),
		ChainLength: s.Context.ChainLength(),
		Rotations:   len(s.Keys.GaloisElements()),
	}, nil
}

// resolvePayload replaces dst with the document stored under locator.
func (n *Node) resolvePayload(ctx context.Context, locator string, dst interface{}) error {
	data, err := n.Offload.Fetch(ctx, locator)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return newError(KindInvalidRequest, err, "failed to parse offloaded payload")
	}
	return nil
}

// Compute runs a request against a cached session. The session pointer read
// here is used for the whole request.
func (n *Node) Compute(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
	if req.PayloadLocator != "" {
		var stored ComputeRequest
		if err := n.resolvePayload(ctx, req.PayloadLocator, &stored); err != nil {
			return nil, err
		}
		if stored.PayloadLocator != "" {
			return nil, newError(KindInvalidRequest, nil, "offloaded payload must not reference another locator")
		}
		if stored.SessionID == "" {
			stored.SessionID = req.SessionID
		}
		req = &stored
	}

	s, err := n.Sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	return n.run(ctx, s, req.Ciphertext, req.SampleSize, req.Operation)
}

// ComputeAverage runs a self-contained request.
func (n *Node) ComputeAverage(ctx context.Context, req *AverageRequest) (*ComputeResponse, error) {
	if req.PayloadLocator != "" {
		var stored AverageRequest
		if err := n.resolvePayload(ctx, req.PayloadLocator, &stored); err != nil {
			return nil, err
		}
		if stored.PayloadLocator != "" {
			return nil, newError(KindInvalidRequest, nil, "offloaded payload must not reference another locator")
		}
		req = &stored
	}
	req.normalize()

	s, err := n.BuildSession(req.Parameters, req.RotationKeys, req.RelinearizationKey)
	if err != nil {
		return nil, err
	}
	resp, err := n.run(ctx, s, req.Ciphertext, req.SampleSize, req.Operation)
	if err != nil {
		return nil, err
	}
	resp.EncryptedResult = resp.ResultCiphertext
	resp.CloudProcessingTimeMs = resp.ProcessingTimeMs
	return resp, nil
}

func (n *Node) run(ctx context.Context, s *Session, ctB64 string, sampleSize int, opName string) (*ComputeResponse, error) {
	op, err := ParseOperation(opName)
	if err != nil {
		return nil, err
	}
	if ctB64 == "" {
		return nil, newError(KindInvalidRequest, nil, "ciphertext is required")
	}
	raw, err := DecodeText(ctB64, "ciphertext")
	if err != nil {
		return nil, err
	}
	ct, err := n.Codec.DecodeCiphertext(raw, s.Context)
	if err != nil {
		return nil, err
	}

	res, err := Compute(ctx, s.Context, s.Keys, ct, sampleSize, op)
	if err != nil {
		return nil, err
	}
	n.Timings.Record(res.Elapsed)

	encoded, err := n.Codec.EncodeCiphertext(res.Ciphertext)
	if err != nil {
		return nil, newError(KindInternal, err, "failed to encode result")
	}

	resp := &ComputeResponse{
		Operation:        string(res.Operation),
		SampleSize:       sampleSize,
		LevelIn:          res.LevelIn,
		LevelOut:         res.LevelOut,
		Scale:            res.Scale,
		ProcessingTimeMs: float64(res.Elapsed) / float64(time.Millisecond),
	}

	inline, locator, err := n.Offload.Deliver(ctx, encoded)
	if err != nil {
		return nil, err
	}
	if locator != "" {
		resp.ResultLocator = locator
	} else {
		resp.ResultCiphertext = EncodeText(inline)
	}

	n.Log.Info("compute finished",
		"session_id", s.ID,
		"operation", res.Operation,
		"sample_size", sampleSize,
		"level_in", res.LevelIn,
		"level_out", res.LevelOut,
		"elapsed", res.Elapsed,
		"offloaded", locator != "",
	)
	return resp, nil
}
