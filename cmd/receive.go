package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/furyshare/node"
)

var receiverName string

// receiveCmd joins an upload and saves the file it receives.
var receiveCmd = &cobra.Command{
	Use:   "receive [upload_id]",
	Short: "Receive a shared file",
	Long:  `Join an upload on the relay and save the shared file into the download directory.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := receiverName
		if name == "" {
			name, _ = os.Hostname()
		}
		return runNode(node.Options{JoinID: args[0], Name: name})
	},
}

func init() {
	receiveCmd.Flags().StringVar(&receiverName, "name", "", "name shown to the host (default hostname)")
	receiveCmd.Flags().StringP("out", "o", "", "download directory")
	viper.BindPFlag("storage.download_dir", receiveCmd.Flags().Lookup("out"))

	rootCmd.AddCommand(receiveCmd)
}
