// config.go: node configuration from flags with environment fallbacks
//
// Precedence: command-line flag > environment variable > default.
// PORT is honoured for platforms that inject it; everything else uses the
// HE_AGG_ prefix.

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr            string
	MaxRequestBytes int64
	InlineLimit     int
	BlobDir         string
	BlobURL         string
	BlobSealKey     string // node X25519 secret key, base64
	BlobPeerKey     string // client X25519 public key, base64
	BlobTimeout     time.Duration
	Compress        bool
	ExpectedLogN    int
	MaxChainLength  int
	MaxSessions     int
	LogLevel        string
}

func defaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxRequestBytes: 256 << 20,
		InlineLimit:     32 << 20,
		BlobTimeout:     30 * time.Second,
		MaxSessions:     16,
		LogLevel:        "info",
	}
}

// ParseConfig parses args (without the command name) into a Config.
func ParseConfig(name string, args []string) (*Config, error) {
	cfg := defaultConfig()
	applyEnv(&cfg, os.LookupEnv)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.Int64Var(&cfg.MaxRequestBytes, "max-request-bytes", cfg.MaxRequestBytes, "largest accepted request body")
	fs.IntVar(&cfg.InlineLimit, "inline-limit", cfg.InlineLimit, "responses above this size go to the blob store (0 disables)")
	fs.StringVar(&cfg.BlobDir, "blob-dir", cfg.BlobDir, "directory blob store")
	fs.StringVar(&cfg.BlobURL, "blob-url", cfg.BlobURL, "HTTP object store base URL")
	fs.StringVar(&cfg.BlobSealKey, "blob-seal-key", cfg.BlobSealKey, "X25519 secret key (base64) opening offloaded requests")
	fs.StringVar(&cfg.BlobPeerKey, "blob-peer-key", cfg.BlobPeerKey, "X25519 public key (base64) sealing offloaded responses")
	fs.DurationVar(&cfg.BlobTimeout, "blob-timeout", cfg.BlobTimeout, "timeout for a single blob store call")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "zstd-compress encoded objects (must match clients)")
	fs.IntVar(&cfg.ExpectedLogN, "expected-logn", cfg.ExpectedLogN, "reject parameters with another ring degree (0 accepts any)")
	fs.IntVar(&cfg.MaxChainLength, "max-chain-length", cfg.MaxChainLength, "reject longer modulus chains (0 accepts any)")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "number of cached key sets")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Addr = ":" + v
	}
	str("HE_AGG_ADDR", &cfg.Addr)
	if v, ok := lookup("HE_AGG_MAX_REQUEST_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxRequestBytes = n
		}
	}
	num("HE_AGG_INLINE_LIMIT", &cfg.InlineLimit)
	str("HE_AGG_BLOB_DIR", &cfg.BlobDir)
	str("HE_AGG_BLOB_URL", &cfg.BlobURL)
	str("HE_AGG_BLOB_SEAL_KEY", &cfg.BlobSealKey)
	str("HE_AGG_BLOB_PEER_KEY", &cfg.BlobPeerKey)
	if v, ok := lookup("HE_AGG_BLOB_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BlobTimeout = d
		}
	}
	if v, ok := lookup("HE_AGG_COMPRESS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Compress = b
		}
	}
	num("HE_AGG_EXPECTED_LOGN", &cfg.ExpectedLogN)
	num("HE_AGG_MAX_CHAIN_LENGTH", &cfg.MaxChainLength)
	num("HE_AGG_MAX_SESSIONS", &cfg.MaxSessions)
	str("HE_AGG_LOG_LEVEL", &cfg.LogLevel)
}

func (c *Config) validate() error {
	if c.BlobDir != "" && c.BlobURL != "" {
		return fmt.Errorf("blob-dir and blob-url are mutually exclusive")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("max-request-bytes must be positive")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max-sessions must be at least 1")
	}
	if _, err := c.slogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) slogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Policy returns the parameter policy the context builder enforces.
func (c *Config) Policy() ContextPolicy {
	return ContextPolicy{ExpectedLogN: c.ExpectedLogN, MaxChainLength: c.MaxChainLength}
}

// BlobStore builds the configured store, or nil when offload is disabled.
func (c *Config) BlobStore() (BlobStore, error) {
	var store BlobStore
	switch {
	case c.BlobDir != "":
		fs, err := NewFileBlobStore(c.BlobDir)
		if err != nil {
			return nil, err
		}
		store = fs
	case c.BlobURL != "":
		hs, err := NewHTTPBlobStore(c.BlobURL)
		if err != nil {
			return nil, err
		}
		store = hs
	default:
		return nil, nil
	}

	if c.BlobSealKey == "" && c.BlobPeerKey == "" {
		return store, nil
	}
	return NewSealedBlobStore(store, c.BlobSealKey, c.BlobPeerKey)
}

// Offloader wraps the configured store with the inline limit and timeout.
func (c *Config) Offloader() (*Offloader, error) {
	store, err := c.BlobStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, nil
	}
	return &Offloader{Store: store, Threshold: c.InlineLimit, Timeout: c.BlobTimeout}, nil
}
