package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/auth"
	"github.com/cloudx-io/escrowauction/core"
)

func keygenCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key and print its principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := auth.LoadKeyFile(c.keyPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", c.keyPath)
				}
			}
			kp, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			if err := kp.SaveKeyFile(c.keyPath); err != nil {
				return err
			}
			fmt.Fprintln(c.out, kp.Principal())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func createCmd(c *cli) *cobra.Command {
	var (
		assetToken, bidToken string
		assetAmount, reserve string
		duration             uint64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an auction, escrowing the asset from the key's principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := c.loadKey()
			if err != nil {
				return err
			}
			if c.contractID == "" {
				c.contractID = uuid.NewString()
				c.logger.Info("generated contract id", "contract", c.contractID)
			}
			amount, err := core.ParseAmount(assetAmount)
			if err != nil {
				return err
			}
			reservePrice, err := core.ParseAmount(reserve)
			if err != nil {
				return err
			}
			_, err = c.send(cmd, auctionapi.TypeCreateAuction, auctionapi.CreateAuctionParams{
				Seller:       kp.Principal(),
				AssetToken:   core.AssetID(assetToken),
				AssetAmount:  amount,
				BidToken:     core.AssetID(bidToken),
				ReservePrice: reservePrice,
				Duration:     duration,
			}, kp)
			return err
		},
	}
	cmd.Flags().StringVar(&assetToken, "asset-token", "", "token being sold")
	cmd.Flags().StringVar(&assetAmount, "asset-amount", "1", "quantity being sold")
	cmd.Flags().StringVar(&bidToken, "bid-token", "", "token bids are paid in")
	cmd.Flags().StringVar(&reserve, "reserve", "0", "minimum acceptable bid")
	cmd.Flags().Uint64Var(&duration, "duration", 3600, "bidding window in seconds")
	_ = cmd.MarkFlagRequired("asset-token")
	_ = cmd.MarkFlagRequired("bid-token")
	return cmd
}

func bidCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "bid <amount>",
		Short: "Place a bid as the key's principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireContract(); err != nil {
				return err
			}
			kp, err := c.loadKey()
			if err != nil {
				return err
			}
			amount, err := core.ParseAmount(args[0])
			if err != nil {
				return err
			}
			_, err = c.send(cmd, auctionapi.TypePlaceBid, auctionapi.PlaceBidParams{Bidder: kp.Principal(), Amount: amount}, kp)
			return err
		},
	}
}

func settleCmd(c *cli) *cobra.Command {
	var gzipOut bool
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle an ended auction and print any settlement attestation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireContract(); err != nil {
				return err
			}
			resp, err := c.send(cmd, auctionapi.TypeSettle, nil, nil)
			if err != nil {
				return err
			}
			if resp.AttestationCOSEBase64 == "" {
				return nil
			}
			if !gzipOut {
				fmt.Fprintf(c.out, "attestation: %s\n", resp.AttestationCOSEBase64)
				return nil
			}
			cose, err := resp.AttestationCOSEBase64.Decode()
			if err != nil {
				return err
			}
			gz, err := cose.CompressGzip()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "attestation-gzip: %s\n", gz)
			return nil
		},
	}
	cmd.Flags().BoolVar(&gzipOut, "gzip", false, "print the attestation gzip-compressed")
	return cmd
}

func withdrawCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw",
		Short: "Request a withdrawal (refunds are automatic; always rejected)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireContract(); err != nil {
				return err
			}
			kp, err := c.loadKey()
			if err != nil {
				return err
			}
			_, err = c.send(cmd, auctionapi.TypeWithdraw, auctionapi.WithdrawParams{User: kp.Principal()}, kp)
			return err
		},
	}
}

func detailsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "details",
		Short: "Show the auction's details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireContract(); err != nil {
				return err
			}
			_, err := c.send(cmd, auctionapi.TypeGetAuctionDetails, nil, nil)
			return err
		},
	}
}

func highestBidCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "highest-bid",
		Short: "Show the current highest bid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireContract(); err != nil {
				return err
			}
			_, err := c.send(cmd, auctionapi.TypeGetHighestBid, nil, nil)
			return err
		},
	}
}

// principalOrKey returns p, or the key file's principal when p is empty.
func (c *cli) principalOrKey(p string) (core.Principal, error) {
	if p != "" {
		return core.Principal(p), nil
	}
	kp, err := c.loadKey()
	if err != nil {
		return "", err
	}
	return kp.Principal(), nil
}

func balanceCmd(c *cli) *cobra.Command {
	var token, principal string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a token balance (defaults to the key's principal)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.principalOrKey(principal)
			if err != nil {
				return err
			}
			_, err = c.send(cmd, auctionapi.TypeBalance, auctionapi.BalanceParams{Token: core.AssetID(token), Principal: p}, nil)
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token id")
	cmd.Flags().StringVar(&principal, "principal", "", "account to query")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func mintCmd(c *cli) *cobra.Command {
	var token, to, amount string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint tokens from the development faucet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.principalOrKey(to)
			if err != nil {
				return err
			}
			a, err := core.ParseAmount(amount)
			if err != nil {
				return err
			}
			_, err = c.send(cmd, auctionapi.TypeMint, auctionapi.MintParams{Token: core.AssetID(token), To: p, Amount: a}, nil)
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token id")
	cmd.Flags().StringVar(&to, "to", "", "recipient (default: key's principal)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount to mint")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
