package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

type testServer struct {
	*httptest.Server
	node *Node
	kit  *testKit
}

func newTestServer(t *testing.T, offload *Offloader) *testServer {
	t.Helper()

	codec, err := NewCodec(false)
	require.NoError(t, err)
	node := &Node{
		Codec:    codec,
		Sessions: NewSessionCache(4),
		Offload:  offload,
		Timings:  NewTimingRecorder(16),
		Log:      discardLogger(),
	}
	srv := httptest.NewServer(NewServer(node, 64<<20).Handler())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, node: node, kit: newTestKit(t)}
}

func (s *testServer) post(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(s.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) setupRequest(t *testing.T, sampleSize int) *SetupRequest {
	t.Helper()
	codec := s.node.Codec

	rot, err := codec.EncodeRotationKeys(s.kit.rotationKeys(RequiredRotations(sampleSize)))
	require.NoError(t, err)
	rlk, err := codec.EncodeRelinearizationKey(s.kit.kgen.GenRelinearizationKeyNew(s.kit.sk))
	require.NoError(t, err)

	return &SetupRequest{
		Parameters:         s.kit.parametersText(t),
		RotationKeys:       EncodeText(rot),
		RelinearizationKey: EncodeText(rlk),
	}
}

func (s *testServer) ciphertextText(t *testing.T, ct *rlwe.Ciphertext) string {
	t.Helper()
	raw, err := s.node.Codec.EncodeCiphertext(ct)
	require.NoError(t, err)
	return EncodeText(raw)
}

func (s *testServer) decodeResult(t *testing.T, text string) []float64 {
	t.Helper()
	raw, err := DecodeText(text, "result")
	require.NoError(t, err)
	ct, err := s.node.Codec.DecodeCiphertext(raw, s.kit.ec)
	require.NoError(t, err)
	return s.kit.decrypt(t, ct)
}

func TestServerComputeNotConfigured(t *testing.T) {
	s := newTestServer(t, nil)

	var out ErrorOutput
	status := s.post(t, "/compute", ComputeRequest{Ciphertext: "AAAA", SampleSize: 8}, &out)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, string(KindNotConfigured), out.Kind)
}

func TestServerSetupThenCompute(t *testing.T) {
	s := newTestServer(t, nil)
	n := 8

	var setup SetupResponse
	require.Equal(t, http.StatusOK, s.post(t, "/setup", s.setupRequest(t, n), &setup))
	require.NotEmpty(t, setup.SessionID)
	require.Equal(t, 2048, setup.SlotCount)
	require.Equal(t, 3, setup.Rotations)

	ct := s.kit.encrypt(t, sequence(n), s.kit.params.MaxLevel())

	var avg ComputeResponse
	status := s.post(t, "/compute", ComputeRequest{
		Ciphertext: s.ciphertextText(t, ct),
		SampleSize: n,
	}, &avg)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "average", avg.Operation)
	require.Equal(t, ct.Level()-1, avg.LevelOut)
	require.InDelta(t, 4.5, s.decodeResult(t, avg.ResultCiphertext)[0], tolerance)

	var sum ComputeResponse
	status = s.post(t, "/compute", ComputeRequest{
		SessionID:  setup.SessionID,
		Ciphertext: s.ciphertextText(t, ct),
		SampleSize: n,
		Operation:  "sum",
	}, &sum)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ct.Level(), sum.LevelOut)
	require.InDelta(t, 36.0, s.decodeResult(t, sum.ResultCiphertext)[0], tolerance*36)
}

func TestServerComputeErrors(t *testing.T) {
	s := newTestServer(t, nil)
	n := 8

	var setup SetupResponse
	require.Equal(t, http.StatusOK, s.post(t, "/setup", s.setupRequest(t, 4), &setup))

	ct := s.kit.encrypt(t, sequence(n), s.kit.params.MaxLevel())

	// Keys only cover four slots.
	var out ErrorOutput
	status := s.post(t, "/compute", ComputeRequest{Ciphertext: s.ciphertextText(t, ct), SampleSize: n}, &out)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, string(KindMissingRotationKey), out.Kind)

	status = s.post(t, "/compute", ComputeRequest{Ciphertext: "%%%", SampleSize: 4}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(KindObjectDecode), out.Kind)

	low := s.kit.encrypt(t, sequence(4), 0)
	status = s.post(t, "/compute", ComputeRequest{Ciphertext: s.ciphertextText(t, low), SampleSize: 4}, &out)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, string(KindLevelExhausted), out.Kind)

	resp, err := http.Post(s.URL+"/compute", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerComputeAverageSelfContained(t *testing.T) {
	s := newTestServer(t, nil)
	n := 8
	setup := s.setupRequest(t, n)
	ct := s.kit.encrypt(t, sequence(n), s.kit.params.MaxLevel())

	var out ComputeResponse
	status := s.post(t, "/compute_average", AverageRequest{
		Parameters:         setup.Parameters,
		Ciphertext:         s.ciphertextText(t, ct),
		RotationKeys:       setup.RotationKeys,
		RelinearizationKey: setup.RelinearizationKey,
		SampleSize:         n,
	}, &out)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, out.ResultCiphertext, out.EncryptedResult)
	require.InDelta(t, 4.5, s.decodeResult(t, out.EncryptedResult)[0], tolerance)

	// Nothing was cached.
	require.Equal(t, 0, s.node.Sessions.Len())
}

func TestServerOffloadedPayloadAndResult(t *testing.T) {
	store := NewMemoryBlobStore()
	s := newTestServer(t, &Offloader{Store: store, Threshold: 1024, Timeout: 5 * time.Second})
	n := 8

	var setup SetupResponse
	require.Equal(t, http.StatusOK, s.post(t, "/setup", s.setupRequest(t, n), &setup))

	ct := s.kit.encrypt(t, sequence(n), s.kit.params.MaxLevel())
	payload, err := json.Marshal(ComputeRequest{
		Ciphertext: s.ciphertextText(t, ct),
		SampleSize: n,
		Operation:  "sum",
	})
	require.NoError(t, err)
	ctx := context.Background()
	loc, err := store.Put(ctx, payload)
	require.NoError(t, err)

	var out ComputeResponse
	require.Equal(t, http.StatusOK, s.post(t, "/compute", ComputeRequest{PayloadLocator: loc}, &out))
	require.Empty(t, out.ResultCiphertext)
	require.NotEmpty(t, out.ResultLocator)

	raw, err := store.Get(ctx, out.ResultLocator)
	require.NoError(t, err)
	result, err := s.node.Codec.DecodeCiphertext(raw, s.kit.ec)
	require.NoError(t, err)
	require.InDelta(t, 36.0, s.kit.decrypt(t, result)[0], tolerance*36)

	var errOut ErrorOutput
	status := s.post(t, "/compute", ComputeRequest{PayloadLocator: "gone"}, &errOut)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, string(KindBlobStoreUnavailable), errOut.Kind)
}

func TestServerSessionsAndHealth(t *testing.T) {
	s := newTestServer(t, nil)

	var health HealthOutput
	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "ok", health.Status)
	require.True(t, health.EngineReady)
	require.Empty(t, health.EngineError)
	require.False(t, health.Configured)

	var setup SetupResponse
	require.Equal(t, http.StatusOK, s.post(t, "/setup", s.setupRequest(t, 2), &setup))

	var sessions SessionsOutput
	resp, err = http.Get(s.URL + "/sessions")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	require.Equal(t, []string{setup.SessionID}, sessions.Sessions)
	require.Equal(t, setup.SessionID, sessions.Current)

	req, err := http.NewRequest(http.MethodDelete, s.URL+"/sessions/"+setup.SessionID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerSetupRejectsBadParameters(t *testing.T) {
	s := newTestServer(t, nil)
	s.node.Policy = ContextPolicy{ExpectedLogN: 14}

	var out ErrorOutput
	status := s.post(t, "/setup", s.setupRequest(t, 2), &out)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, string(KindConfigMismatch), out.Kind)

	status = s.post(t, "/setup", SetupRequest{Parameters: EncodeText([]byte("{"))}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(KindParameterDecode), out.Kind)
	require.Equal(t, 0, s.node.Sessions.Len())
}

func TestServerComputeAverageLegacyFields(t *testing.T) {
	s := newTestServer(t, nil)
	n := 4
	setup := s.setupRequest(t, n)
	ct := s.kit.encrypt(t, sequence(n), s.kit.params.MaxLevel())

	var out ComputeResponse
	status := s.post(t, "/compute_average", map[string]interface{}{
		"parms":       setup.Parameters,
		"cipher_data": s.ciphertextText(t, ct),
		"galois_keys": setup.RotationKeys,
		"relin_keys":  setup.RelinearizationKey,
		"sample_size": n,
	}, &out)
	require.Equal(t, http.StatusOK, status)
	require.InDelta(t, 2.5, s.decodeResult(t, out.EncryptedResult)[0], tolerance)
	require.Equal(t, out.ProcessingTimeMs, out.CloudProcessingTimeMs)
}

func TestServerComputeTruncatedCiphertext(t *testing.T) {
	s := newTestServer(t, nil)
	n := 4

	var setup SetupResponse
	require.Equal(t, http.StatusOK, s.post(t, "/setup", s.setupRequest(t, n), &setup))

	ct := s.kit.encrypt(t, sequence(n), s.kit.params.MaxLevel())
	raw, err := s.node.Codec.EncodeCiphertext(ct)
	require.NoError(t, err)

	var out ErrorOutput
	status := s.post(t, "/compute", ComputeRequest{
		Ciphertext: EncodeText(raw[:len(raw)-100]),
		SampleSize: n,
	}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, string(KindObjectDecode), out.Kind)

	// The node keeps serving.
	var sum ComputeResponse
	status = s.post(t, "/compute", ComputeRequest{Ciphertext: EncodeText(raw), SampleSize: n, Operation: "sum"}, &sum)
	require.Equal(t, http.StatusOK, status)
	require.InDelta(t, 10.0, s.decodeResult(t, sum.ResultCiphertext)[0], tolerance*10)
}
