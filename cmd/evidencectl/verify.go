package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/evidencekeeper/internal/digest"
	"github.com/jmerrifield20/evidencekeeper/internal/x402"
	"github.com/jmerrifield20/evidencekeeper/pkg/client"
)

var verifyOpts struct {
	gateway   string
	tier      string
	signature string
	amount    string
	token     string
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file|digest>",
	Short: "Ask a verification gateway whether a file or digest is anchored",
	Long: `verify hashes a file locally (or takes a hex digest) and queries the
gateway. Without --tier it runs the free check. With --tier and no payment
flags it prints the x402 quote; pay it, then rerun with --pay-signature.

  evidencectl verify contract.pdf --gateway https://verify.example.com
  evidencectl verify contract.pdf --tier legal_attestation --pay-signature 5xKj...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw := verifyOpts.gateway
		if gw == "" {
			gw = viper.GetString("gateway_url")
		}
		c, err := client.New(gw)
		if err != nil {
			return err
		}
		digestHex, err := digestArg(args[0])
		if err != nil {
			return err
		}
		a := &app{out: cmd.OutOrStdout(), format: format}

		if verifyOpts.tier == "" {
			v, err := c.Verify(cmd.Context(), digestHex)
			if err != nil {
				return err
			}
			return a.emit(v, func(w io.Writer) { printVerification(w, v) })
		}

		var proof *client.PaymentProof
		if verifyOpts.signature != "" {
			proof = &client.PaymentProof{
				Signature: verifyOpts.signature,
				Amount:    verifyOpts.amount,
				Token:     verifyOpts.token,
				Memo:      x402.Memo(digestHex),
			}
		}
		res, err := c.Premium(cmd.Context(), digestHex, verifyOpts.tier, proof)
		var pr *client.PaymentRequiredError
		if errors.As(err, &pr) {
			_ = a.emit(pr.Quote, func(w io.Writer) {
				warnColor.Fprintf(w, "%s\n", pr.Code)
				if pr.Detail != "" {
					fmt.Fprintf(w, "  %s\n", pr.Detail)
				}
				fmt.Fprintf(w, "Pay:   %s %s\n", pr.Quote.Price, pr.Quote.Currency)
				fmt.Fprintf(w, "To:    %s\n", pr.Quote.Recipient)
				fmt.Fprintf(w, "Memo:  %s\n", pr.Quote.Memo)
				fmt.Fprintf(w, "Until: %s\n", pr.Quote.ExpiresAt.Format("2006-01-02 15:04:05Z07:00"))
			})
			return err
		}
		if err != nil {
			return err
		}
		return a.emit(res, func(w io.Writer) {
			printVerification(w, &res.Verification)
			if res.RefundEligible {
				warnColor.Fprintln(w, "digest not anchored; payment is refund eligible")
			}
			if res.Attestation != nil {
				fmt.Fprintf(w, "Attestation: %s\n", res.Attestation.Signature)
				fmt.Fprintf(w, "  signed by %s, valid until %s\n", res.Attestation.SignedBy, res.Attestation.ValidUntil.Format("2006-01-02"))
			}
		})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyOpts.gateway, "gateway", "", "Gateway base URL (default gateway_url config or http://localhost:8080)")
	verifyCmd.Flags().StringVar(&verifyOpts.tier, "tier", "", "Premium tier: basic, multi_chain, legal_attestation or bulk")
	verifyCmd.Flags().StringVar(&verifyOpts.signature, "pay-signature", "", "Transaction signature of the x402 payment")
	verifyCmd.Flags().StringVar(&verifyOpts.amount, "pay-amount", "", "Amount paid")
	verifyCmd.Flags().StringVar(&verifyOpts.token, "pay-token", "USDC", "Token paid in")
	viper.SetDefault("gateway_url", "http://localhost:8080")
	rootCmd.AddCommand(verifyCmd)
}

// digestArg accepts a 64-char hex digest or a path to hash.
func digestArg(arg string) (string, error) {
	if d, err := digest.Parse(arg); err == nil {
		return d.Hex(), nil
	}
	if _, err := os.Stat(arg); err != nil {
		return "", fmt.Errorf("%q is neither a digest nor a readable file", arg)
	}
	return client.DigestFile(arg)
}

func printVerification(w io.Writer, v *client.Verification) {
	c := warnColor
	switch v.Status {
	case client.StatusAnchored:
		c = okColor
	case client.StatusRejected, client.StatusNotFound:
		c = badColor
	}
	fmt.Fprintf(w, "Digest: %s (%s)\n", v.Digest, v.Algorithm)
	fmt.Fprintf(w, "Status: %s [%s]\n", c.Sprint(v.Status), v.Scope)
	for _, r := range v.Records {
		fmt.Fprintf(w, "Record %s  %s\n", r.ID, r.State)
		for _, ch := range r.Chains {
			fmt.Fprintf(w, "  %-10s %-22s %s (%d conf)\n", ch.Ledger, ch.Status, ch.TxID, ch.Confirmations)
		}
		if r.BatchProof != nil {
			fmt.Fprintf(w, "  batch %s root %s verified=%t\n", r.BatchProof.BatchID, r.BatchProof.Root, r.BatchProof.Verified)
		}
	}
}
