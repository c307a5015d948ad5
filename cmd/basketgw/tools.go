package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <basket>...",
		Short: "Decode basket keys",
		Long: `Decode one or more basket keys of the form content.type.revision and
print their fields and on-disk name.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := cfg.ConverterTable()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, arg := range args {
				k, err := basket.Parse(arg)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s\n", k)
				_, _ = fmt.Fprintf(out, "  Content:  %d\n", k.Content)
				_, _ = fmt.Fprintf(out, "  Type:     %d\n", k.Type)
				_, _ = fmt.Fprintf(out, "  Revision: %d\n", k.Revision)
				_, _ = fmt.Fprintf(out, "  Encoder:  %s\n", table.Lookup(k.Type).Name())
				_, _ = fmt.Fprintf(out, "  Name:     %s\n", table.String(k))
			}
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path <basket>...",
		Short: "Print the storage path of baskets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := cfg.ConverterTable()
			if err != nil {
				return err
			}
			base, _ := cmd.Flags().GetString("base")
			if base == "" {
				base = cfg.Cache.BasketBaseDir
			}

			for _, arg := range args {
				k, err := basket.Parse(arg)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), table.Path(base, k))
			}
			return nil
		},
	}
	cmd.Flags().String("base", "", "base directory (default cache.basket_basedir)")
	return cmd
}
