package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/fortress/internal/config"
	"github.com/psantana5/fortress/pkg/logging"
)

// Version is set at build time with -ldflags
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
	logLevel     string
	logJSON      bool
)

var rootCmd = &cobra.Command{
	Use:   "fortress",
	Short: "Adaptive resource governor for heavy inference workloads",
	Long: `fortress launches memory-hungry model servers under a resource governor.
It picks an execution profile from the host's free memory, refuses launches
that cannot fit, applies rlimits and watches both the process tree and the
whole system, terminating the workload before the host stops responding.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

// ExitCodeError carries a process exit code out of a command
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fortress/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error, critical")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

// initConfig reads the config file and FORTRESS_* environment variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".fortress"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FORTRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(config.Default())

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); cfgFile != "" || !notFound {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(f config.File) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return
	}
	var sections map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return
	}
	for section, values := range sections {
		for key, value := range values {
			viper.SetDefault(section+"."+key, value)
		}
	}
}

// loadConfig merges defaults, the config file, environment and flags
func loadConfig() (config.File, error) {
	f := config.Default()
	if err := viper.Unmarshal(&f); err != nil {
		return f, fmt.Errorf("failed to decode config: %w", err)
	}
	if logLevel != "" {
		f.Logging.Level = logLevel
	}
	if logJSON {
		f.Logging.JSON = true
	}
	f.History.DSN = expandHome(f.History.DSN)
	return f, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// newLogger writes to stderr so stdout stays clean for command output
func newLogger(f config.File, component string) *logging.Logger {
	level := logging.ParseLevel(f.Logging.Level)
	if f.Logging.File {
		if l, err := logging.NewFileLogger("fortress", component, level, f.Logging.JSON); err == nil {
			return l
		}
	}
	return logging.NewLoggerTo(os.Stderr, level, f.Logging.JSON)
}

// printStructured handles json and yaml output; it reports false for table
func printStructured(v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", outputFormat)
	}
}
