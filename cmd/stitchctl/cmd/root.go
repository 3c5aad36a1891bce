package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "stitchctl",
	Short: "CLI for the stitchd video stitching service",
	Long:  `stitchctl triggers stitching jobs, inspects their status, and follows their progress against a stitchd daemon.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stitchctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "stitchd API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.stitchctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	viper.AutomaticEnv()
	viper.BindEnv("server", "STITCHD_SERVER")

	if err := viper.ReadInConfig(); err == nil {
		if serverURL == "" && viper.GetString("server") != "" {
			serverURL = viper.GetString("server")
		}
	}

	if serverURL == "" {
		if env := viper.GetString("server"); env != "" {
			serverURL = env
		} else {
			serverURL = "http://localhost:8080"
		}
	}
}

// IsJSONOutput reports whether --output json was requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// IsYAMLOutput reports whether --output yaml was requested
func IsYAMLOutput() bool {
	return outputFormat == "yaml"
}

// printStructured renders v as JSON or YAML per the output flag
func printStructured(v interface{}) error {
	if IsYAMLOutput() {
		encoder := yaml.NewEncoder(os.Stdout)
		defer encoder.Close()
		return encoder.Encode(v)
	}
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
