package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"daly-bms-bridge/format"
	"daly-bms-bridge/store"
)

func (a *app) formatCmd() *cobra.Command {
	var (
		showRaw     bool
		allCells    bool
		passthrough bool
		fromCache   bool
	)

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Render readings for humans",
		Long: `Reads lines from stdin and renders every BMS_DATA: line, e.g.

    daly-bms-bridge read | daly-bms-bridge format

With --cache the current cache file is rendered instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := format.New(showRaw, allCells)
			f.Thresholds = a.cfg.Thresholds
			out := cmd.OutOrStdout()

			if !fromCache {
				return f.Stream(cmd.InOrStdin(), out, passthrough)
			}

			doc, err := a.newStore().ReadDocument()
			if errors.Is(err, store.ErrNoData) {
				doc = nil
			} else if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, f.Document(doc))
			return err
		},
	}
	cmd.Flags().BoolVar(&showRaw, "raw", false, "Include protocol details")
	cmd.Flags().BoolVar(&allCells, "all-cells", false, "List every cell instead of a sample")
	cmd.Flags().BoolVar(&passthrough, "passthrough", false, "Copy non-data lines through")
	cmd.Flags().BoolVar(&fromCache, "cache", false, "Render the cache file instead of stdin")
	return cmd
}
