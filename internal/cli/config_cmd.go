package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	path := r.cfgPath
	if path == "" {
		path = "(defaults)"
	}
	fmt.Fprintf(r.out, "# config file: %s\n", path)
	b, err := yaml.Marshal(r.cfg)
	if err != nil {
		return err
	}
	_, err = r.out.Write(b)
	return err
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "configuration ok")
	return nil
}
