package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	var (
		limit     int
		eventType string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(); err != nil {
				return err
			}
			events, err := c.auditLogger().Tail(limit, eventType)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTOR\tTYPE\tPAYLOAD")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Actor, ev.Type, ev.PayloadJSON)
			}
			return tw.Flush()
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events")
	tail.Flags().StringVar(&eventType, "type", "", "Only show events of this type")
	cmd.AddCommand(tail)
	return cmd
}
