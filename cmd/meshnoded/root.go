// meshnoded runs a mesh node over serial and MQTT links: it forwards
// flood and direct traffic between its transports, advertises itself
// periodically, answers neighbor discovery, and exposes the admin
// command surface on stdin and to remote admin contacts.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:   "meshnoded",
	Short: "Store-and-forward mesh node daemon",
	Long: `meshnoded bridges a LoRa mesh across serial and MQTT links.

It keeps the node identity, contact list, region map and session keys
under a data directory, and reads its settings from a YAML config file,
environment variables (MESHNODE_*) or flags.`,
}

// Execute runs the root command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(),
		"directory for node state")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(infoCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshnode"
	}
	return filepath.Join(home, ".meshnode")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(dataDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MESHNODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "cannot read config: %s\n", err)
			os.Exit(1)
		}
	}
}

func setDefaults() {
	viper.SetDefault("node.name", "meshnode")
	viper.SetDefault("node.type", "repeater")
	viper.SetDefault("node.advert_interval_min", 60)
	viper.SetDefault("node.advert_flood", false)
	viper.SetDefault("node.lat", 0.0)
	viper.SetDefault("node.lon", 0.0)

	viper.SetDefault("radio.freq_mhz", 910.525)
	viper.SetDefault("radio.bandwidth_khz", 250.0)
	viper.SetDefault("radio.spreading_factor", 10)
	viper.SetDefault("radio.coding_rate", 5)
	viper.SetDefault("radio.tx_power_dbm", 20)

	viper.SetDefault("serial.port", "")
	viper.SetDefault("serial.baud", 115200)

	viper.SetDefault("mqtt.broker", "")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.tls", false)
	viper.SetDefault("mqtt.topic_prefix", "meshnode")
	viper.SetDefault("mqtt.mesh_id", "default")

	viper.SetDefault("log.level", "info")
}
