package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/fortress/internal/config"
	"github.com/psantana5/fortress/internal/statusapi"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an annotated example configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(config.ExampleConfig)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a configuration file",
	Long:  `Validates the given file, or the file found through --config and the default search path.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

var configHashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print the bcrypt hash for status.token_hash",
	Long:  `Hashes the given token, or the first line of stdin when no argument is passed.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigHashToken,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configHashTokenCmd)
}

func runConfigHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read token from stdin: %w", err)
		}
		token = strings.TrimSpace(line)
	}

	hash, err := statusapi.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := viper.ConfigFileUsed()
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no configuration file found; pass a path or --config")
	}

	f, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return &ExitCodeError{Code: 1, Err: fmt.Errorf("%s is invalid:\n%w", path, err)}
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}
