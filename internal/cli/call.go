package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	callServer string
	callArgs   string
)

var callCmd = &cobra.Command{
	Use:   "call [tool]",
	Short: "Invoke a single tool and print its result",
	Long: `Invoke one tool by name and print the result envelope as JSON.
The tool is routed automatically unless --server pins it.`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callServer, "server", "auto", "server to invoke, or auto to route")
	callCmd.Flags().StringVar(&callArgs, "args", "{}", "tool arguments as a JSON object")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(callArgs), &toolArgs); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}

	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	result := a.router.CallOn(cmd.Context(), callServer, args[0], toolArgs)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !result.Success {
		return fmt.Errorf("tool call failed: %s", result.Error)
	}
	return nil
}
