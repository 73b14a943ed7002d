package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattiq/maildispatch"
)

type sendFlags struct {
	to          string
	subject     string
	html        string
	htmlFile    string
	endpoint    string
	timeout     time.Duration
	showMetrics bool
}

func newSendCommand(global *globalFlags) *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a single pre-rendered email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, global, flags)
		},
	}

	cmd.Flags().StringVar(&flags.to, "to", "", "recipient address")
	cmd.Flags().StringVar(&flags.subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&flags.html, "html", "", "HTML body")
	cmd.Flags().StringVar(&flags.htmlFile, "html-file", "", "read the HTML body from a file")
	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "override the provider endpoint")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", time.Minute, "overall deadline for the send")
	cmd.Flags().BoolVar(&flags.showMetrics, "metrics", false, "print metrics after sending")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	cmd.MarkFlagsMutuallyExclusive("html", "html-file")

	return cmd
}

func runSend(cmd *cobra.Command, global *globalFlags, flags *sendFlags) error {
	body := flags.html
	if flags.htmlFile != "" {
		data, err := os.ReadFile(flags.htmlFile)
		if err != nil {
			return fmt.Errorf("failed to read html file: %w", err)
		}
		body = string(data)
	}
	if body == "" {
		return errors.New("one of --html or --html-file is required")
	}

	cfg, err := global.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flags.endpoint != "" {
		cfg.Provider.Endpoint = flags.endpoint
	}

	client, err := maildispatch.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	res, sendErr := client.Dispatch(ctx, maildispatch.NewSendRequest(flags.to, flags.subject, body))
	if sendErr == nil {
		fmt.Fprintf(out, "sent message %s via %s after %d attempt(s)\n", res.MessageID, res.Provider, res.Attempts)
	}

	if flags.showMetrics {
		if err := client.WriteMetrics(out); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}

	return sendErr
}
