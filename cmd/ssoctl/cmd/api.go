package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pilab-dev/tenant-sso/cmd/ssoctl/client"
	"github.com/pilab-dev/tenant-sso/log"
)

func newWhoamiCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity and scopes the server sees for the current token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			me, err := c.Me(cmd.Context())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(me)
			if err != nil {
				return err
			}
			cmd.Print(string(out))
			return nil
		},
	}
}

func newGrantsCommand(a *app) *cobra.Command {
	grantsCmd := &cobra.Command{
		Use:   "grants",
		Short: "Manage grants",
	}
	grantsCmd.AddCommand(&cobra.Command{
		Use:   "revoke GRANT_ID",
		Short: "Revoke a grant and every token issued under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.RevokeGrant(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.logger.Debug(cmd.Context(), "grant revoked", log.Fields{"grant_id": args[0]})
			cmd.Printf("Grant %s revoked.\n", args[0])
			return nil
		},
	})
	return grantsCmd
}

func newJWKSCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the server's public signing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			raw, err := c.JWKS(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
}

func newTokenCommand(a *app) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Exercise the token endpoint",
	}

	var req client.RefreshRequest
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange a refresh token, optionally for an organization token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			resp, err := c.Refresh(cmd.Context(), req)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(resp)
			if err != nil {
				return fmt.Errorf("failed to marshal token response: %w", err)
			}
			cmd.Print(string(out))
			return nil
		},
	}
	flags := refresh.Flags()
	flags.StringVar(&req.ClientID, "client-id", "", "client id")
	flags.StringVar(&req.ClientSecret, "client-secret", "", "client secret, omitted for public clients")
	flags.StringVar(&req.RefreshToken, "refresh-token", "", "refresh token")
	flags.StringVar(&req.Scope, "scope", "", "space separated scopes to narrow the grant to")
	flags.StringVar(&req.OrganizationID, "organization-id", "", "request an organization token")
	flags.StringSliceVar(&req.Resource, "resource", nil, "resource indicator, repeatable")
	_ = refresh.MarkFlagRequired("client-id")
	_ = refresh.MarkFlagRequired("refresh-token")

	tokenCmd.AddCommand(refresh)
	return tokenCmd
}
