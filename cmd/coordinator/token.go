package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/config"
)

func newTokenCmd() *cobra.Command {
	var file, configPath string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens in the token file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&file, "token-file", "", "token file (default: auth.token_file from config)")
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	open := func() (*auth.Manager, string, error) {
		return openTokens(file, configPath)
	}
	cmd.AddCommand(newTokenGenerateCmd(open), newTokenListCmd(open), newTokenRevokeCmd(open))
	return cmd
}

// openTokens loads the token file into a manager and returns the path it
// was read from.
func openTokens(file, configPath string) (*auth.Manager, string, error) {
	if file == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", err
		}
		file = cfg.Auth.TokenFile
	}
	if file == "" {
		return nil, "", errors.New("no token file: pass --token-file or set auth.token_file")
	}
	m := auth.New(auth.DefaultConfig(), nil)
	if _, err := m.LoadTokens(file); err != nil {
		return nil, "", err
	}
	return m, file, nil
}

type tokenOpener func() (*auth.Manager, string, error)

func newTokenGenerateCmd(open tokenOpener) *cobra.Command {
	var (
		typ     string
		subject string
		ttl     time.Duration
		hosts   []string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a new token and print its value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, file, err := open()
			if err != nil {
				return err
			}
			tok, err := m.Generate(auth.TokenType(typ), subject, ttl)
			if err != nil {
				return err
			}
			if len(hosts) > 0 {
				if err := m.Restrict(tok.ID, hosts...); err != nil {
					return err
				}
			}
			if err := m.SaveTokens(file); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", tok.ID)
			fmt.Fprintf(out, "type:    %s\n", tok.Type)
			fmt.Fprintf(out, "expires: %s\n", formatExpiry(tok.ExpiresAt))
			fmt.Fprintf(out, "token:   %s\n", tok.Value)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", string(auth.TokenWorker), "worker, client, admin or session")
	f.StringVar(&subject, "subject", "", "who the token is issued to")
	f.DurationVar(&ttl, "ttl", 0, "lifetime; 0 uses the default, negative never expires")
	f.StringSliceVar(&hosts, "allow-host", nil, "restrict the token to these source hosts")
	return cmd
}

func newTokenListCmd(open tokenOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tokens without their values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := open()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSUBJECT\tEXPIRES\tSTATUS\tHOSTS")
			now := time.Now()
			for _, tok := range m.List() {
				status := "active"
				switch {
				case tok.Revoked:
					status = "revoked"
				case tok.Expired(now):
					status = "expired"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					tok.ID, tok.Type, tok.Subject, formatExpiry(tok.ExpiresAt), status, strings.Join(tok.AllowedHosts, ","))
			}
			return tw.Flush()
		},
	}
}

func newTokenRevokeCmd(open tokenOpener) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, file, err := open()
			if err != nil {
				return err
			}
			if err := m.Revoke(args[0], reason); err != nil {
				return err
			}
			if err := m.SaveTokens(file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "revoked by operator", "recorded on the token")
	return cmd
}

func formatExpiry(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
