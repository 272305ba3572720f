package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/furyshare/node"
)

// shareCmd hosts a file for every receiver that joins the upload.
var shareCmd = &cobra.Command{
	Use:   "share [file_path]",
	Short: "Share a file with receivers",
	Long: `Publish a file on the relay and send it to every receiver that joins,
over a direct WebRTC data channel when possible and through the relay otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(node.Options{FilePath: args[0]})
	},
}

func init() {
	shareCmd.Flags().String("codec", "", "frame codec: json or flatbuffers")
	shareCmd.Flags().Bool("no-fallback", false, "never send the file through the relay")
	viper.BindPFlag("transfer.codec", shareCmd.Flags().Lookup("codec"))

	shareCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if noFallback, _ := cmd.Flags().GetBool("no-fallback"); noFallback {
			viper.Set("fallback.enabled", false)
		}
	}

	rootCmd.AddCommand(shareCmd)
}
