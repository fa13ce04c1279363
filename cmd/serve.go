package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"junction/internal/app"
	"junction/pkg/logging"
)

var serveCfg = app.NewConfig()

var serveSessionTTLMinutes int

// serveCmd starts the gateway: the config reload pipeline, the client
// fleet and the inbound MCP server on the selected transport.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the junction gateway",
	Long: `Starts the gateway: loads the configuration file, connects the
configured upstream MCP servers and serves the aggregated capability
set on the selected inbound transport (streamable-http, sse or stdio).

The configuration file is watched; edits are applied live without
dropping connected sessions. With --lazy the gateway exposes only the
tool_list / tool_schema / tool_invoke meta-tools instead of the full
tool union, keeping the advertised surface small for large fleets.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	serveCfg.Version = GetVersion()
	if serveSessionTTLMinutes > 0 {
		serveCfg.SessionTTL = time.Duration(serveSessionTTLMinutes) * time.Minute
	}

	switch serveCfg.Transport {
	case "stdio", "sse", "streamable-http":
	default:
		return &usageError{err: fmt.Errorf("unknown transport %q (want stdio, sse or streamable-http)", serveCfg.Transport)}
	}

	application, err := app.NewApplication(serveCfg)
	if err != nil {
		return err
	}
	application.OnReady(func() {
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logging.Warn("Serve", "systemd notify failed: %v", err)
		} else if sent {
			logging.Debug("Serve", "Notified systemd readiness")
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveCfg.ConfigPath, "config", serveCfg.ConfigPath, "Gateway configuration file")
	serveCmd.Flags().StringVar(&serveCfg.PresetPath, "presets", serveCfg.PresetPath, "Preset store file")
	serveCmd.Flags().StringVar(&serveCfg.SessionDir, "session-dir", "", "Session spool directory (empty disables session persistence)")
	serveCmd.Flags().StringVar(&serveCfg.Host, "host", serveCfg.Host, "Listen host for HTTP transports")
	serveCmd.Flags().IntVar(&serveCfg.Port, "port", serveCfg.Port, "Listen port for HTTP transports")
	serveCmd.Flags().StringVar(&serveCfg.Transport, "transport", serveCfg.Transport, "Inbound transport: streamable-http, sse or stdio")
	serveCmd.Flags().BoolVar(&serveCfg.Lazy, "lazy", false, "Expose meta-tools instead of the full tool union")
	serveCmd.Flags().BoolVar(&serveCfg.InternalTools, "internal-tools", false, "Expose the 1mcp_status tool (requires --lazy)")
	serveCmd.Flags().BoolVar(&serveCfg.Pagination, "pagination", false, "Enable cursor pagination on list responses")
	serveCmd.Flags().BoolVar(&serveCfg.EnvSubst, "env-subst", false, "Substitute ${NAME} from the environment in server definitions")
	serveCmd.Flags().IntVar(&serveSessionTTLMinutes, "session-ttl", 0, "Idle minutes before a streaming session expires (0 = default)")
	serveCmd.Flags().BoolVar(&serveCfg.Debug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveCfg.JSONLog, "json-log", false, "Log JSON lines instead of text")
}
