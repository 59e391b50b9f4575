package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"breachscope/internal/config"
)

// Version will be set during build
var Version = "dev"

var (
	cfgFile string
	v       = config.New()
	logger  = log.New(os.Stdout, "breachscope: ", log.LstdFlags|log.Lshortfile)
)

var rootCmd = &cobra.Command{
	Use:   "breachscope",
	Short: "Security news alert pipeline",
	Long: `breachscope polls security news feeds, recognises the companies and
places it tracks, classifies each article and notifies subscribers about
confirmed breaches and active incidents over email, SMS and push.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("breachscope version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./breachscope.yaml or /etc/breachscope/breachscope.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the article store (BREACHSCOPE_DB_PATH)")
	rootCmd.PersistentFlags().String("queue", "", "path to the job queue database (BREACHSCOPE_QUEUE_PATH)")
	_ = v.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("queue.path", rootCmd.PersistentFlags().Lookup("queue"))

	rootCmd.AddCommand(versionCmd, serveCmd, ingestCmd, seedCmd, addSourceCmd)
}

// loadConfig reads .env files and the layered configuration
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if used := config.ConfigFileUsed(v); used != "" {
		logger.Printf("Using config file %s", used)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
