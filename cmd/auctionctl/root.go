package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/auth"
)

// cli holds the state shared by every command.
type cli struct {
	serverURL  string
	keyPath    string
	contractID string
	verbose    bool

	logger *slog.Logger
	client *gatewayClient
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "auctionctl",
		Short:        "Client for the escrow auction service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if c.verbose {
				level = slog.LevelDebug
			}
			c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			c.client = newGatewayClient(c.serverURL, c.logger)
			c.out = cmd.OutOrStdout()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.serverURL, "server", envOr("AUCTIONCTL_SERVER", "http://127.0.0.1:8080"), "gateway base URL")
	root.PersistentFlags().StringVarP(&c.keyPath, "key", "k", envOr("AUCTIONCTL_KEY", "auction-key.json"), "signing key file")
	root.PersistentFlags().StringVarP(&c.contractID, "contract", "c", "", "auction contract id")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log requests to stderr")

	root.AddCommand(
		keygenCmd(c),
		createCmd(c),
		bidCmd(c),
		settleCmd(c),
		withdrawCmd(c),
		detailsCmd(c),
		highestBidCmd(c),
		balanceCmd(c),
		mintCmd(c),
		verifySettlementCmd(c),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *cli) loadKey() (*auth.KeyPair, error) {
	kp, err := auth.LoadKeyFile(c.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key %s (run auctionctl keygen): %w", c.keyPath, err)
	}
	return kp, nil
}

func (c *cli) requireContract() error {
	if c.contractID == "" {
		return fmt.Errorf("contract id required (-c)")
	}
	return nil
}

// send builds, optionally signs, and posts a request, then prints its result.
func (c *cli) send(cmd *cobra.Command, requestType string, params any, signer *auth.KeyPair) (auctionapi.Response, error) {
	req, err := auctionapi.NewRequest(requestType, c.contractID, params)
	if err != nil {
		return auctionapi.Response{}, err
	}
	if signer != nil {
		if err := signer.Sign(&req); err != nil {
			return auctionapi.Response{}, err
		}
	}

	resp, err := c.client.Do(cmd.Context(), req)
	if err != nil {
		return resp, err
	}
	c.logger.Info(resp.Message, "type", resp.Type)
	if len(resp.Result) > 0 {
		return resp, c.printJSON(resp.Result)
	}
	return resp, nil
}

func (c *cli) printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
