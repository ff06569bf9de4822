package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taskmill/taskmill/pkg/fsserver"
)

var serveRoot string

var serveFSCmd = &cobra.Command{
	Use:   "serve-fs",
	Short: "Serve workspace file tools over stdin/stdout",
	Long: `Run the built-in filesystem tool server. It answers the tool protocol
on stdin/stdout, so a config entry like

  {"name": "filesystem", "command": "taskmill", "args": ["serve-fs", "--root", "."]}

gives workflows read_file, write_file, edit_file and list_dir.`,
	RunE: runServeFS,
}

func init() {
	serveFSCmd.Flags().StringVar(&serveRoot, "root", ".", "workspace root directory")
	rootCmd.AddCommand(serveFSCmd)
}

func runServeFS(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol; logs must stay off it.
	zl := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	srv := fsserver.New(serveRoot, os.Stdin, os.Stdout, zl)
	return srv.Run(ctx)
}
