package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd is the base command for the FuryShare CLI.
var rootCmd = &cobra.Command{
	Use:   "furyshare",
	Short: "FuryShare - direct peer-to-peer file sharing",
	Long:  "FuryShare sends a file to everyone who joins its upload, over WebRTC data channels with a relay fallback.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Welcome to FuryShare! Use 'furyshare --help' for available commands.")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("relay", "", "relay websocket URL")
	rootCmd.PersistentFlags().Bool("api", false, "serve the status API")
	rootCmd.PersistentFlags().Int("api-port", 0, "status API port")
	viper.BindPFlag("relay.url", rootCmd.PersistentFlags().Lookup("relay"))
	viper.BindPFlag("api.enabled", rootCmd.PersistentFlags().Lookup("api"))
	viper.BindPFlag("api.port", rootCmd.PersistentFlags().Lookup("api-port"))
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config") // config file name (without extension)
		viper.SetConfigType("yaml")   // config file type
		viper.AddConfigPath(".")      // look for the config in the current directory
	}
	viper.SetEnvPrefix("FURYSHARE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("No config file found, using defaults.")
	}
}

// newLogger builds the command logger. --debug switches to the
// development config.
func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
