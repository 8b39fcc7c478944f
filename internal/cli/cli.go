// Package cli implements jobctl, a command line client for the dispatch API.
//
//	jobctl submit <view path> --data '{"message":"hi"}' [--wait]
//	jobctl status <status url> [--wait]
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobrelay/internal/api/dto"
	"github.com/cuongbtq/jobrelay/internal/client"
)

type options struct {
	server       string
	basePath     string
	timeout      time.Duration
	pollInterval time.Duration
}

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Submit jobs to the dispatch API and poll their status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("JOBCTL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", defaultServer, "API service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.basePath, "base-path", "/api/v1", "prefix the views are mounted under")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline, including --wait")
	rootCmd.PersistentFlags().DurationVar(&opts.pollInterval, "poll-interval", time.Second, "status polling interval for --wait")

	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		data     string
		dataFile string
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "submit <view path>",
		Short: "Dispatch a job through a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(data, dataFile, cmd.InOrStdin())
			if err != nil {
				return err
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			handle, err := c.Submit(ctx, args[0], payload)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), handle)
			}

			st, err := c.Wait(ctx, handle.URL)
			if err != nil {
				return fmt.Errorf("wait for job %s: %w", handle.JobID, err)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON object payload")
	cmd.Flags().StringVarP(&dataFile, "file", "f", "", "read the payload from a JSON file, - for stdin")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the job is done or failed")
	cmd.MarkFlagsMutuallyExclusive("data", "file")

	return cmd
}

func buildStatusCommand(opts *options) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "status <status url>",
		Short: "Show the status of a dispatched job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var st *dto.StatusResponse
			if wait {
				st, err = c.Wait(ctx, args[0])
			} else {
				st, err = c.Status(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "poll until the job is done or failed")
	return cmd
}

func (o *options) client() (*client.Client, error) {
	return client.New(o.server,
		client.WithBasePath(o.basePath),
		client.WithPollInterval(o.pollInterval),
	)
}

func readPayload(data, file string, stdin io.Reader) (map[string]any, error) {
	var raw []byte
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		raw = b
	case data != "":
		raw = []byte(data)
	default:
		return map[string]any{}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

// printStatus writes the status and reports a failed job as an error
func printStatus(w io.Writer, st *dto.StatusResponse) error {
	if err := printJSON(w, st); err != nil {
		return err
	}
	if st.Status == dto.StatusError {
		return fmt.Errorf("job failed: %s", st.Error)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
