package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"microstitch/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the microstitch configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# config file: %s\n", config.Path())
	data, err := yaml.Marshal(r.cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
