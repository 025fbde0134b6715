package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/chunkrelay/pkg/codec"
	"github.com/aixgo-dev/chunkrelay/pkg/transfer"
)

const defaultEndpoint = "http://localhost:8080/webhook"

func newSendCmd() *cobra.Command {
	var (
		endpoint    string
		operation   string
		compression string
		metadata    string
		chunkSize   int
		threshold   int
		concurrency int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [file]",
		Short: "Send a JSON document to a chunkrelay endpoint",
		Long:  "Send a JSON document to a chunkrelay endpoint. Reads stdin when no file or \"-\" is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			payload, err := readJSON(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			var meta map[string]any
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("parse --metadata: %w", err)
				}
			}

			method := codec.ParseMethod(compression)
			if !codec.Default().Has(method) {
				return fmt.Errorf("%w: %s", codec.ErrUnsupportedMethod, method)
			}

			client := transfer.NewClient(endpoint,
				transfer.WithHTTPClient(&http.Client{Timeout: timeout}),
				transfer.WithConcurrency(concurrency),
				transfer.WithSplitter(transfer.Splitter{
					ChunkSize: chunkSize,
					Method:    method,
					Threshold: threshold,
				}))

			resp, err := client.Send(cmd.Context(), operation, payload, meta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	f := cmd.Flags()
	f.StringVar(&endpoint, "endpoint", getEnv("CHUNKRELAY_ENDPOINT", defaultEndpoint), "Webhook URL")
	f.StringVarP(&operation, "operation", "o", "", "Operation tag for the payload")
	f.StringVarP(&compression, "compression", "c", string(codec.MethodGzip), "Compression method (none, gzip, zstd, lz4, s2)")
	f.StringVar(&metadata, "metadata", "", "JSON object sent alongside the payload")
	f.IntVar(&chunkSize, "chunk-size", transfer.DefaultChunkSize, "Maximum characters per chunk")
	f.IntVar(&threshold, "threshold", transfer.DefaultThreshold, "Payloads smaller than this many bytes are sent uncompressed")
	f.IntVar(&concurrency, "concurrency", transfer.DefaultConcurrency, "Chunks in flight at once")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout")
	return cmd
}

func newCapabilitiesCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show the compression methods and operations an endpoint supports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			caps, err := transfer.NewClient(endpoint).Capabilities(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), caps)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", getEnv("CHUNKRELAY_ENDPOINT", defaultEndpoint), "Webhook URL")
	return cmd
}

func readJSON(stdin io.Reader, path string) (any, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
