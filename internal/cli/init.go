package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmill/taskmill/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := config.Init(cfgFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit the servers list and LLM credentials, then run: taskmill run \"your goal\"")
	return nil
}
