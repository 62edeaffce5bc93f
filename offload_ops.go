// offload_ops.go: large-payload offload through an external blob store
//
// When a body exceeds the inline threshold only a locator crosses the
// request/response channel; the bytes go through a BlobStore. The adapter
// never looks inside the bytes it moves.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// BlobStore moves opaque bytes in and out of external storage.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

func blobUnavailable(err error, format string, args ...interface{}) *Error {
	return newError(KindBlobStoreUnavailable, err, format, args...)
}

func checkLocator(locator string) error {
	if _, err := uuid.Parse(locator); err != nil {
		return newError(KindInvalidRequest, err, "malformed blob locator %q", locator)
	}
	return nil
}

// ============================================================================
// In-memory store
// ============================================================================

type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", blobUnavailable(err, "put cancelled")
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.blobs[id] = bytes.Clone(data)
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, blobUnavailable(err, "get cancelled")
	}
	s.mu.RLock()
	data, ok := s.blobs[locator]
	s.mu.RUnlock()
	if !ok {
		return nil, blobUnavailable(nil, "no blob at %q", locator)
	}
	return bytes.Clone(data), nil
}

// ============================================================================
// Directory-backed store
// ============================================================================

// FileBlobStore keeps each blob as <dir>/<uuid> with a BLAKE3 digest in
// <dir>/<uuid>.b3 so truncated or altered blobs are detected on read.
type FileBlobStore struct {
	Dir string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{Dir: dir}, nil
}

func (s *FileBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", blobUnavailable(err, "put cancelled")
	}

	id := uuid.NewString()
	digest := blake3.Sum256(data)

	if err := writeFileAtomic(filepath.Join(s.Dir, id), data); err != nil {
		return "", blobUnavailable(err, "failed to write blob")
	}
	if err := writeFileAtomic(filepath.Join(s.Dir, id+".b3"), digest[:]); err != nil {
		return "", blobUnavailable(err, "failed to write blob digest")
	}
	return id, nil
}

func (s *FileBlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := checkLocator(locator); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, blobUnavailable(err, "get cancelled")
	}

	data, err := os.ReadFile(filepath.Join(s.Dir, locator))
	if err != nil {
		return nil, blobUnavailable(err, "failed to read blob %s", locator)
	}
	want, err := os.ReadFile(filepath.Join(s.Dir, locator+".b3"))
	if err != nil {
		return nil, blobUnavailable(err, "failed to read digest of blob %s", locator)
	}
	got := blake3.Sum256(data)
	if !bytes.Equal(got[:], want) {
		return nil, blobUnavailable(nil, "blob %s failed its integrity check", locator)
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ============================================================================
// HTTP object store
// ============================================================================

// HTTPBlobStore talks to an object store exposing PUT/GET on <base>/<locator>.
type HTTPBlobStore struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPBlobStore(baseURL string) (*HTTPBlobStore, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid blob store URL: %w", err)
	}
	return &HTTPBlobStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}, nil
}

func (s *HTTPBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.BaseURL+"/"+id, bytes.NewReader(data))
	if err != nil {
		return "", blobUnavailable(err, "failed to build put request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", blobUnavailable(err, "put failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return "", blobUnavailable(nil, "put returned %s", resp.Status)
	}
	return id, nil
}

func (s *HTTPBlobStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := checkLocator(locator); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/"+locator, nil)
	if err != nil {
		return nil, blobUnavailable(err, "failed to build get request")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, blobUnavailable(err, "get failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, blobUnavailable(nil, "get %s returned %s", locator, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, blobUnavailable(err, "failed to read blob %s", locator)
	}
	return data, nil
}

// ============================================================================
// Offloader: threshold decision plus timeouts
// ============================================================================

type Offloader struct {
	Store     BlobStore
	Threshold int
	Timeout   time.Duration
}

// Enabled reports whether a blob store is configured.
func (o *Offloader) Enabled() bool {
	return o != nil && o.Store != nil
}

// ShouldOffload is the inline-vs-offload decision for a body of size bytes.
func (o *Offloader) ShouldOffload(size int) bool {
	return o.Enabled() && o.Threshold > 0 && size > o.Threshold
}

func (o *Offloader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

// Deliver returns body itself when it fits inline. Otherwise body is stored
// and only the locator is returned.
func (o *Offloader) Deliver(ctx context.Context, body []byte) (inline []byte, locator string, err error) {
	if !o.ShouldOffload(len(body)) {
		return body, "", nil
	}
	if locator, err = o.Put(ctx, body); err != nil {
		return nil, "", err
	}
	return nil, locator, nil
}

// Fetch retrieves the body stored under locator.
func (o *Offloader) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if !o.Enabled() {
		return nil, blobUnavailable(nil, "no blob store configured")
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	data, err := o.Store.Get(ctx, locator)
	if err != nil {
		return nil, asBlobError(err, "get")
	}
	return data, nil
}

func (o *Offloader) Put(ctx context.Context, data []byte) (string, error) {
	if !o.Enabled() {
		return "", blobUnavailable(nil, "no blob store configured")
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	locator, err := o.Store.Put(ctx, data)
	if err != nil {
		return "", asBlobError(err, "put")
	}
	return locator, nil
}

// asBlobError keeps typed errors from the store and classifies the rest as
// unavailability.
func asBlobError(err error, op string) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return blobUnavailable(err, "blob %s timed out", op)
	}
	return blobUnavailable(err, "blob %s failed", op)
}
