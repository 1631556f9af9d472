// Package cmd holds the ssoctl commands.
package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pilab-dev/tenant-sso/cmd/ssoctl/client"
	"github.com/pilab-dev/tenant-sso/cmd/ssoctl/config"
	"github.com/pilab-dev/tenant-sso/log"
)

// app is the state shared by the commands of one invocation.
type app struct {
	cfgFile    string
	verbose    bool
	httpClient *http.Client

	store  *config.Store
	logger log.Logger
	out    io.Writer
}

// NewRootCommand builds the ssoctl command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{out: os.Stdout})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "ssoctl is a CLI tool to interact with the tenant-sso API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := zerolog.WarnLevel
			if a.verbose {
				level = zerolog.DebugLevel
			}
			a.logger = log.NewZerologAdapterTo(cmd.ErrOrStderr(), level, true)

			path := a.cfgFile
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			store, err := config.Load(path)
			if err != nil {
				a.logger.Error(cmd.Context(), "Failed to initialize configuration", err)
				return err
			}
			a.store = store
			a.logger.Debug(cmd.Context(), "configuration loaded", log.Fields{"path": path})
			return nil
		},
	}
	root.SetOut(a.out)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "",
		fmt.Sprintf("config file (default is $HOME/.%s/%s.%s)", config.AppName, config.ConfigFileName, config.ConfigFileType))
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newConfigCommand(a),
		newWhoamiCommand(a),
		newGrantsCommand(a),
		newJWKSCommand(a),
		newTokenCommand(a),
	)
	return root
}

// client returns an API client for the current context.
func (a *app) client() (*client.Client, error) {
	current, err := a.store.CurrentContext()
	if err != nil {
		return nil, err
	}
	return client.New(current, a.httpClient)
}
