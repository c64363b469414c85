package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	server    string
	natsURL   string
	machineID string
	timeout   time.Duration
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var logger *zap.Logger
	var client *apiClient

	root := &cobra.Command{
		Use:          "praxisctl",
		Short:        "Operate a PraxisGuard guard-service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if opts.verbose {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return err
			}
			client = newAPIClient(opts.server, opts.timeout, logger)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("PRAXISGUARD_URL", "http://localhost:8080"), "guard-service base URL")
	flags.StringVar(&opts.natsURL, "nats-url", envOr("NATS_URL", nats.DefaultURL), "NATS server URL")
	flags.StringVarP(&opts.machineID, "machine", "m", envOr("MACHINE_ID", "MAC-101"), "machine id")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "development logging")

	apiFn := func() *apiClient { return client }
	loggerFn := func() *zap.Logger { return logger }

	root.AddCommand(
		newIngestCmd(opts, apiFn, loggerFn),
		newReadingsCmd(opts, apiFn),
		newPoFCmd(opts, apiFn),
		newDispatchCmd(opts, apiFn),
		newStatusCmd(apiFn),
		newAuditCmd(opts, apiFn),
		newForwardCmd(opts, apiFn),
	)
	return root
}

func newIngestCmd(opts *rootOptions, api func() *apiClient, log func() *zap.Logger) *cobra.Command {
	var (
		vibration   float64
		temperature float64
		useNATS     bool
		subject     string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append one reading",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("vibration") || !cmd.Flags().Changed("temperature") {
				return fmt.Errorf("--vibration and --temperature are required")
			}
			body := map[string]any{
				"machine_id":  opts.machineID,
				"vibration":   vibration,
				"temperature": temperature,
			}
			if useNATS {
				return publish(opts.natsURL, subject, body, log())
			}
			data, err := api().do(cmd.Context(), http.MethodPost, "/api/readings", nil, body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().Float64Var(&vibration, "vibration", 0, "vibration value")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "temperature value")
	cmd.Flags().BoolVar(&useNATS, "nats", false, "publish on the ingest subject instead of HTTP")
	cmd.Flags().StringVar(&subject, "subject", "readings.ingest", "NATS ingest subject")
	return cmd
}

func newReadingsCmd(opts *rootOptions, api func() *apiClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "readings",
		Short: "List the most recent readings of a machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"machine_id": {opts.machineID}, "limit": {strconv.Itoa(limit)}}
			data, err := api().do(cmd.Context(), http.MethodGet, "/api/readings", q, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of readings")
	return cmd
}

func newPoFCmd(opts *rootOptions, api func() *apiClient) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "pof",
		Short: "Estimate the probability of failure from the recent window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"machine_id": {opts.machineID}, "window": {strconv.Itoa(window)}}
			data, err := api().do(cmd.Context(), http.MethodGet, "/api/compute_pof", q, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVarP(&window, "window", "w", 5, "window size")
	return cmd
}

func newDispatchCmd(opts *rootOptions, api func() *apiClient) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Trigger an orchestrator run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := api().do(cmd.Context(), http.MethodPost, "/api/run_agent", nil, map[string]string{"machine_id": opts.machineID})
			if err != nil {
				return err
			}
			if wait <= 0 {
				return printJSON(cmd.OutOrStdout(), data)
			}
			var ack struct {
				DispatchID string `json:"dispatch_id"`
			}
			if err := json.Unmarshal(data, &ack); err != nil {
				return err
			}
			status, err := pollStatus(cmd, api(), ack.DispatchID, wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll the dispatch until it finishes or the duration elapses")
	return cmd
}

func pollStatus(cmd *cobra.Command, api *apiClient, id string, wait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(wait)
	for {
		data, err := api.do(cmd.Context(), http.MethodGet, "/api/dispatches/"+url.PathEscape(id), nil, nil)
		if err != nil {
			return nil, err
		}
		var status struct {
			Done bool `json:"done"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, err
		}
		if status.Done || time.Now().After(deadline) {
			return data, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func newStatusCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status DISPATCH_ID",
		Short: "Show the status of a dispatched run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := api().do(cmd.Context(), http.MethodGet, "/api/dispatches/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newAuditCmd(opts *rootOptions, api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the latest audit entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"machine_id": {opts.machineID}}
			data, err := api().do(cmd.Context(), http.MethodGet, "/api/audit/latest", q, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newForwardCmd(opts *rootOptions, api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Forward the latest reading to the configured webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := api().do(cmd.Context(), http.MethodPost, "/api/forward_to_webhook", nil, map[string]string{"machine_id": opts.machineID})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func publish(natsURL, subject string, payload any, logger *zap.Logger) error {
	nc, err := nats.Connect(natsURL, nats.Name("praxisctl"), nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, data); err != nil {
		return err
	}
	if err := nc.Flush(); err != nil {
		return err
	}
	logger.Info("reading published", zap.String("subject", subject))
	return nil
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
