package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"daly-bms-bridge/bluetooth"
	"daly-bms-bridge/format"
	"daly-bms-bridge/metrics"
	"daly-bms-bridge/store"
)

func (a *app) scanCmd() *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(false); err != nil {
				return err
			}
			link, err := bluetooth.New(a.cfg.BMS.Link)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, window)
			defer cancel()

			var (
				mu    sync.Mutex
				found = map[string]bluetooth.Device{}
			)
			err = link.Scan(ctx, func(d bluetooth.Device) bool {
				mu.Lock()
				defer mu.Unlock()
				found[d.Address] = d
				return false
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("scan: %w", err)
			}

			mu.Lock()
			defer mu.Unlock()
			return printDevices(cmd, found)
		},
	}
	cmd.Flags().DurationVarP(&window, "timeout", "t", 10*time.Second, "Scan window")
	return cmd
}

func printDevices(cmd *cobra.Command, found map[string]bluetooth.Device) error {
	devices := make([]bluetooth.Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, d)
	}
	// strongest signal first
	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Address, name, d.RSSI)
	}
	return tw.Flush()
}

func (a *app) readCmd() *cobra.Command {
	var (
		pretty  bool
		write   bool
		showRaw bool
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Run one poll cycle and print the reading",
		Long: `Discovers and connects to the BMS, runs one poll cycle and disconnects.

The reading is printed as a single BMS_DATA: line carrying the cache
document, which the format command understands. --pretty prints the human
readable rendering instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(true); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sess, err := a.newSession()
			if err != nil {
				return err
			}
			dev, err := sess.Scan(ctx)
			if err != nil {
				return err
			}
			if err := sess.Connect(ctx, dev); err != nil {
				return err
			}
			defer sess.Disconnect()

			snap, err := sess.PollOnce(ctx)
			if err != nil {
				return err
			}

			if write {
				if err := a.newStore().PublishSnapshot(snap); err != nil {
					return err
				}
			}

			doc := store.NewDocument(snap, metrics.Compute(snap, time.Now(), a.cfg.Thresholds))
			out := cmd.OutOrStdout()
			if pretty {
				f := format.New(showRaw, true)
				f.Thresholds = a.cfg.Thresholds
				_, err := fmt.Fprintln(out, f.Document(&doc))
				return err
			}
			payload, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, format.LinePrefix+string(payload))
			return err
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Print a human readable report")
	cmd.Flags().BoolVar(&showRaw, "raw", false, "Include protocol details in the report")
	cmd.Flags().BoolVar(&write, "write", false, "Also write the cache file")
	return cmd
}
