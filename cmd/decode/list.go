package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pipelined.dev/decode/engine"
)

func listCommand(e engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show available decoders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNELS\tOPTIONS\tDESCRIPTION")
			for _, d := range e.Decoders() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, channels(d), options(d), d.Desc)
			}
			return w.Flush()
		},
	}
}

// channels formats decoder channels, optional ones in brackets.
func channels(d *engine.Decoder) string {
	if d.Stacked() {
		return "-"
	}
	var ids []string
	for _, ch := range d.Channels {
		ids = append(ids, ch.ID)
	}
	for _, ch := range d.OptionalChannels {
		ids = append(ids, "["+ch.ID+"]")
	}
	return strings.Join(ids, ",")
}

func options(d *engine.Decoder) string {
	if len(d.Options) == 0 {
		return "-"
	}
	opts := make([]string, len(d.Options))
	for i, o := range d.Options {
		opts[i] = fmt.Sprintf("%s=%v", o.ID, o.Default)
	}
	return strings.Join(opts, ",")
}
