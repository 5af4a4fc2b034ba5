package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/CZERTAINLY/icebox/internal/log"

	"github.com/spf13/cobra"
)

var (
	configPath string // actual config file used (if any)

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagPIDFile        string // value of run --pid-file flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load, .properties or .yaml (ICE_CONFIG takes precedence)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVar(&flagPIDFile, "pid-file", "", "write the process id to this file")

	// never print messages
	rootCmd.SilenceErrors = true

	// resolve the config, setup logging
	rootCmd.PersistentPreRunE = initIceBox

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("icebox failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "icebox",
	Short:        "Server hosting services in one process",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [-- server arguments]",
	Short: "run loads and starts the configured services and waits for shutdown",
	Example: `  icebox run --config icebox.properties
  icebox run -- --Ice.Config=box.yaml --IceBox.Service.Job="builtin:Exec sleep 60"`,
	RunE: doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an icebox",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("icebox: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("icebox: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initIceBox(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ICE_CONFIG"); ok && envConfig != "" {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	}
	if configPath != "" && !exists(configPath) {
		return fmt.Errorf("config file %s does not exist", configPath)
	}

	slog.SetDefault(log.New(os.Stderr, flagVerbose))
	slog.Debug("icebox", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
