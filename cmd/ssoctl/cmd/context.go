package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pilab-dev/tenant-sso/cmd/ssoctl/config"
)

func newConfigCommand(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:     "config",
		Short:   "Manage ssoctl configuration and contexts",
		Aliases: []string{"cfg"},
	}

	getContexts := &cobra.Command{
		Use:     "get-contexts",
		Short:   "Display the configured contexts",
		Aliases: []string{"get"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.store.Config()
			if len(cfg.Contexts) == 0 {
				cmd.Println("No contexts defined.")
				return nil
			}
			out, err := yaml.Marshal(redacted(cfg.Contexts))
			if err != nil {
				return fmt.Errorf("failed to marshal contexts to YAML: %w", err)
			}
			cmd.Print(string(out))
			if cfg.CurrentContext != "" {
				cmd.Printf("Current context: %s\n", cfg.CurrentContext)
			}
			return nil
		},
	}

	var update config.Context
	setContext := &cobra.Command{
		Use:   "set-context NAME",
		Short: "Create or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.store.SetContext(args[0], update)
			if err := a.store.Save(); err != nil {
				return err
			}
			cmd.Printf("Context %q set.\n", args[0])
			return nil
		},
	}
	setContext.Flags().StringVar(&update.ServerEndpoint, "server", "", "server endpoint, e.g. https://sso.example.com")
	setContext.Flags().StringVar(&update.AccessToken, "token", "", "bearer token for the management API")
	setContext.Flags().StringVar(&update.DevelopmentUserID, "dev-user", "", "development user id for non-production servers")

	useContext := &cobra.Command{
		Use:     "use-context NAME",
		Short:   "Set the current context",
		Aliases: []string{"use"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.UseContext(args[0]); err != nil {
				return err
			}
			if err := a.store.Save(); err != nil {
				return err
			}
			cmd.Printf("Switched to context %q.\n", args[0])
			return nil
		},
	}

	deleteContext := &cobra.Command{
		Use:   "delete-context NAME",
		Short: "Delete a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.DeleteContext(args[0]); err != nil {
				return err
			}
			if err := a.store.Save(); err != nil {
				return err
			}
			cmd.Printf("Context %q deleted.\n", args[0])
			return nil
		},
	}

	configCmd.AddCommand(getContexts, setContext, useContext, deleteContext)
	return configCmd
}

func redacted(contexts map[string]*config.Context) map[string]config.Context {
	out := make(map[string]config.Context, len(contexts))
	for name, c := range contexts {
		copied := *c
		if copied.AccessToken != "" {
			copied.AccessToken = "REDACTED"
		}
		out[name] = copied
	}
	return out
}
