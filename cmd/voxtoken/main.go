package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voxgate/internal/auth"
	"github.com/ent0n29/voxgate/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "voxtoken",
		Short:         "Issue and inspect device tokens for voxgate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	issueCmd := &cobra.Command{
		Use:           "issue",
		Short:         "Sign a device token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          issueToken,
	}
	issueCmd.Example = `  # Token for a bench device, valid for one day
  voxtoken issue --device-id test-device-001 --mac AA:BB:CC:DD:EE:FF

  # Print a ready-to-dial websocket URL
  voxtoken issue --hours 2 --print-url ws://localhost:8000/xiaozhi/v1/`
	issueCmd.Flags().String("device-id", "test-device-001", "Device identifier (deviceId claim)")
	issueCmd.Flags().String("mac", "AA:BB:CC:DD:EE:FF", "Device MAC address (macAddress claim)")
	issueCmd.Flags().Float64("hours", 24, "Token lifetime in hours")
	issueCmd.Flags().String("secret", "", "Signing secret (defaults to JWT_SECRET or the built-in secret)")
	issueCmd.Flags().String("alg", auth.DefaultAlgorithm, "Signing algorithm (HS256/HS384/HS512)")
	issueCmd.Flags().String("print-url", "", "Also print this websocket URL with the token attached")

	inspectCmd := &cobra.Command{
		Use:           "inspect <token>",
		Short:         "Decode a token without verifying its signature",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          inspectToken,
	}

	rootCmd.AddCommand(issueCmd, inspectCmd)
	return rootCmd
}

func issueToken(cmd *cobra.Command, _ []string) error {
	deviceID, _ := cmd.Flags().GetString("device-id")
	mac, _ := cmd.Flags().GetString("mac")
	hours, _ := cmd.Flags().GetFloat64("hours")
	secret, _ := cmd.Flags().GetString("secret")
	alg, _ := cmd.Flags().GetString("alg")
	wsURL, _ := cmd.Flags().GetString("print-url")

	if strings.TrimSpace(secret) == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if strings.TrimSpace(secret) == "" {
		secret = config.DefaultJWTSecret
	}
	if hours <= 0 {
		return errors.New("--hours must be positive")
	}

	issuer, err := auth.NewIssuer(secret, alg)
	if err != nil {
		return err
	}
	ttl := time.Duration(hours * float64(time.Hour))
	token, expiresAt, err := issuer.Issue(deviceID, mac, ttl)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, token)
	fmt.Fprintf(out, "expires: %s\n", expiresAt.Format(time.RFC3339))
	if wsURL != "" {
		dial, err := withToken(wsURL, token)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "url: %s\n", dial)
	}
	return nil
}

func inspectToken(cmd *cobra.Command, args []string) error {
	in, err := auth.Inspect(args[0])
	if err != nil {
		return err
	}
	return writeInspection(cmd.OutOrStdout(), in, time.Now())
}

func writeInspection(w io.Writer, in auth.Inspection, now time.Time) error {
	payload := struct {
		auth.Inspection
		Expired bool `json:"expired"`
	}{Inspection: in, Expired: in.Expired(now)}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse --print-url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("--print-url must be a ws:// or wss:// URL, got %q", raw)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
