package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskmill/taskmill/internal/config"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect configured tool servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	RunE:  runServersList,
}

var serversToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Start every server and list the tools it advertises",
	RunE:  runServersTools,
}

func init() {
	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversToolsCmd)
	rootCmd.AddCommand(serversCmd)
}

func runServersList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if len(cfg.Servers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No servers configured. Run 'taskmill init' to create a starter config.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOMMAND\tARGS")
	for _, srv := range cfg.Servers {
		fmt.Fprintf(w, "%s\t%s\t%v\n", srv.Name, srv.Command, srv.Args)
	}
	return w.Flush()
}

func runServersTools(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	running := a.registry.Running()
	sort.Strings(running)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
	for _, name := range running {
		for _, tool := range a.directory.Tools(name) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, tool.Name, tool.Description)
		}
	}
	return w.Flush()
}
