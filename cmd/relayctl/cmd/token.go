package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/auth"
)

// tokenCmd mints ingress tokens for development relays
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a relay ingress token",
	Long: `Sign an RS256 token accepted by a relay started with the matching public key.

Example:
  export RELAY_TOKEN=$(relayctl token --key relay.pem --subject my-host)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key")
		subject, _ := cmd.Flags().GetString("subject")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		kid, _ := cmd.Flags().GetString("kid")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(pem))
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(key, kid, issuer, audience, subject, ttl)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{
				"token":      token,
				"expires_in": int(ttl.Seconds()),
				"token_type": "Bearer",
			})
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), token)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("key", "", "PEM encoded RSA private key")
	tokenCmd.Flags().String("subject", "relayctl", "sub claim")
	tokenCmd.Flags().String("issuer", "harbor-relay", "iss claim")
	tokenCmd.Flags().String("audience", "harbor-relay-ingest", "aud claim")
	tokenCmd.Flags().String("kid", "relay-key-1", "key id header")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("key")
}
