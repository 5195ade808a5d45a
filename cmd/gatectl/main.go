package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/captivegate/captivegate/internal/auth"
	"github.com/captivegate/captivegate/internal/config"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	tokenTTL   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "gatectl",
	Short:         "Operator tooling for captivegate",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print an argon2id hash for security.admin.password_hash",
	Long:  "Hashes the password argument, or the first line of stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHashPassword,
}

var totpSecretCmd = &cobra.Command{
	Use:   "totp-secret [account]",
	Short: "Generate a TOTP secret for security.admin.totp_secret",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTOTPSecret,
}

var portalTokenCmd = &cobra.Command{
	Use:   "portal-token",
	Short: "Issue or inspect portal tokens with the configured signing secret",
}

var portalTokenIssueCmd = &cobra.Command{
	Use:   "issue [identifier]",
	Short: "Issue a portal token for an identifier",
	Args:  cobra.ExactArgs(1),
	RunE:  runPortalTokenIssue,
}

var portalTokenVerifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a portal token and print its identifier and expiry",
	Args:  cobra.ExactArgs(1),
	RunE:  runPortalTokenVerify,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (defaults to the standard search path)")
	portalTokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to security.portal_token_ttl)")

	portalTokenCmd.AddCommand(portalTokenIssueCmd, portalTokenVerifyCmd)
	rootCmd.AddCommand(hashPasswordCmd, totpSecretCmd, portalTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password from stdin: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if len(password) < 12 {
		return errors.New("operator password must be at least 12 characters")
	}

	hash, err := auth.HashPassword(password, auth.DefaultParams())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func runTOTPSecret(cmd *cobra.Command, args []string) error {
	account := "operator"
	if len(args) == 1 {
		account = args[0]
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "captivegate", AccountName: account})
	if err != nil {
		return fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "secret: %s\n", key.Secret())
	fmt.Fprintf(out, "url:    %s\n", key.URL())
	return nil
}

func runPortalTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identifier, err := auth.NormalizeIdentifier(args[0])
	if err != nil {
		return err
	}
	ttl := cfg.Security.PortalTokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}

	token, expiresAt := auth.NewPortalTokenCodec(cfg.Security.SigningSecret, ttl).Issue(identifier)
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func runPortalTokenVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tok, err := auth.NewPortalTokenCodec(cfg.Security.SigningSecret, cfg.Security.PortalTokenTTL).Verify(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "identifier: %s\nexpires:    %s\n", tok.Identifier, tok.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}
