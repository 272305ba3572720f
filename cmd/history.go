package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/history"
	"github.com/TFMV/furyshare/node"
)

var historyLimit int

// historyCmd lists finished transfers.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg := node.LoadConfig()
		store, err := history.Open(logger, cfg.History.Path)
		if err != nil {
			logger.Error("Failed to open transfer history", zap.Error(err))
			return err
		}
		defer store.Close()

		records, err := store.List(context.Background(), historyLimit)
		if err != nil {
			return err
		}
		return printHistory(os.Stdout, records)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of transfers to show")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(out io.Writer, records []history.TransferRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No transfers recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tDIRECTION\tPEER\tFILE\tSIZE\tPATH\tSTATE")
	for _, r := range records {
		state := r.State
		if r.Error != "" {
			state += " (" + r.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.FinishedAt.Format("2006-01-02 15:04:05"),
			r.Direction, r.PeerID, r.Filename, r.SizeBytes, r.Path, state)
	}
	return w.Flush()
}
