// he-agg: encrypted aggregation node
//
// Computes the sum or average of the first N slots of a CKKS ciphertext
// without ever seeing plaintext. Clients keep the secret key; the node only
// receives parameters, evaluation keys and ciphertexts.
//
// Usage:
//   he-agg <command> [flags]
//
// Commands:
//   serve        Run the HTTP node
//   compute      One self-contained aggregation, JSON on stdin
//   params       Print a preset parameter set and the rotations it needs
//   seal-keygen  Generate an X25519 keypair for sealed blob offload
//   version      Print version information

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const VERSION = "0.2.0"

type ErrorOutput struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type ParamsOutput struct {
	Parameters  string `json:"parameters"` // Base64 encoded
	LogN        int    `json:"log_n"`
	LogScale    int    `json:"log_scale"`
	SlotCount   int    `json:"slot_count"`
	ChainLength int    `json:"chain_length"`
	SampleSize  int    `json:"sample_size,omitempty"`
	Rotations   []int  `json:"rotations,omitempty"` // Steps rotation keys are needed for
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "version":
		fmt.Printf(`{"version": "%s"}`, VERSION)
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "he-agg: %v\n", err)
			os.Exit(1)
		}
	case "compute":
		handleCompute(args)
	case "params":
		handleParams(args)
	case "seal-keygen":
		handleSealKeygen()
	case "help", "-h", "--help":
		printUsage()
	default:
		outputError(fmt.Sprintf("Unknown command: %s", command), "")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `he-agg: encrypted aggregation node

Usage:
  he-agg <command> [flags]

Commands:
  serve        Run the HTTP node (see he-agg serve -h for flags)
  compute      Aggregate one self-contained payload read from stdin
  params       Print preset CKKS parameters (-logn, -logscale, -n)
  seal-keygen  Generate an X25519 keypair for sealed blob offload
  version      Print version information
  help         Print this help message

compute reads JSON from stdin and writes JSON to stdout.
Configuration flags may also be given as HE_AGG_* environment variables.`)
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	lvl, _ := cfg.slogLevel()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func readInput() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		outputError(fmt.Sprintf("Failed to encode output: %v", err), string(KindInternal))
		os.Exit(1)
	}
}

func outputError(msg string, kind string) {
	enc := json.NewEncoder(os.Stdout)
	enc.Encode(ErrorOutput{Error: msg, Kind: kind})
}

// ============================================================================
// serve
// ============================================================================

func runServe(args []string) error {
	cfg, err := ParseConfig("serve", args)
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)

	node, err := NewNode(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewServer(node, cfg.MaxRequestBytes).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			"addr", cfg.Addr,
			"compress", cfg.Compress,
			"offload", node.Offload.Enabled(),
			"expected_logn", cfg.ExpectedLogN,
			"max_sessions", cfg.MaxSessions,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ============================================================================
// compute
// ============================================================================

func handleCompute(args []string) {
	cfg, err := ParseConfig("compute", args)
	if err != nil {
		outputError(fmt.Sprintf("Invalid flags: %v", err), string(KindInvalidRequest))
		os.Exit(1)
	}

	inputBytes, err := readInput()
	if err != nil {
		outputError(fmt.Sprintf("Failed to read input: %v", err), string(KindInvalidRequest))
		os.Exit(1)
	}

	var input AverageRequest
	if err := json.Unmarshal(inputBytes, &input); err != nil {
		outputError(fmt.Sprintf("Failed to parse input: %v", err), string(KindInvalidRequest))
		os.Exit(1)
	}

	node, err := NewNode(cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		outputError(fmt.Sprintf("Failed to initialize: %v", err), string(KindInternal))
		os.Exit(1)
	}

	output, err := node.ComputeAverage(context.Background(), &input)
	if err != nil {
		outputError(fmt.Sprintf("Compute failed: %v", err), string(KindOf(err)))
		os.Exit(1)
	}

	outputJSON(output)
}

// ============================================================================
// params / seal-keygen
// ============================================================================

func handleParams(args []string) {
	fs := flag.NewFlagSet("params", flag.ContinueOnError)
	logN := fs.Int("logn", 14, "ring degree exponent (12 to 15)")
	logScale := fs.Int("logscale", 40, "default scale exponent")
	n := fs.Int("n", 0, "sample size to list required rotations for")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	params, err := PresetParameters(*logN, *logScale)
	if err != nil {
		outputError(fmt.Sprintf("Failed to create parameters: %v", err), string(KindInvalidParameters))
		os.Exit(1)
	}
	raw, err := MarshalParameters(params)
	if err != nil {
		outputError(err.Error(), string(KindInternal))
		os.Exit(1)
	}

	output := ParamsOutput{
		Parameters:  EncodeText(raw),
		LogN:        params.LogN(),
		LogScale:    params.LogDefaultScale(),
		SlotCount:   params.MaxSlots(),
		ChainLength: params.QCount(),
	}
	if *n > 0 {
		output.SampleSize = *n
		output.Rotations = RequiredRotations(*n)
	}
	outputJSON(output)
}

func handleSealKeygen() {
	output, err := GenerateSealKeyPair()
	if err != nil {
		outputError(fmt.Sprintf("Seal keygen failed: %v", err), string(KindInternal))
		os.Exit(1)
	}
	outputJSON(output)
}
