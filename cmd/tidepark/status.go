package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tidepark/tidepark/internal/config"
	"github.com/tidepark/tidepark/internal/control"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	socketPath string
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running tidepark server",
		Long:  `Query the control socket of a running server for its status and plugin list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().StringVar(&cfg.socketPath, "socket", "", "control socket path (default: from config)")

	return cmd
}

// statusReport is the combined view printed by the status command.
type statusReport struct {
	Socket  string                  `json:"socket"`
	Status  *control.StatusResponse `json:"status,omitempty"`
	Plugins []control.PluginInfo    `json:"plugins,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	socketPath := cfg.socketPath
	if socketPath == "" {
		loaded, err := config.Load(configFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		socketPath = loaded.Control.Socket
	}
	if socketPath == "" {
		socketPath = control.DefaultSocketPath()
	}

	report := queryStatus(cmd, socketPath)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatStatusTable(report))
	return nil
}

func queryStatus(cmd *cobra.Command, socketPath string) statusReport {
	report := statusReport{Socket: socketPath}

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		report.Error = "socket not found"
		return report
	}

	client := control.NewClient(socketPath)
	defer client.Close()

	status, err := client.Status(cmd.Context())
	if err != nil {
		report.Error = fmt.Sprintf("failed to query status: %v", err)
		return report
	}
	report.Status = status

	plugins, err := client.Plugins(cmd.Context())
	if err != nil {
		// Status succeeded; report it without the plugin list.
		report.Error = fmt.Sprintf("failed to query plugins: %v", err)
		return report
	}
	report.Plugins = plugins

	return report
}

// formatStatusTable formats the report as a human-readable table.
func formatStatusTable(report statusReport) string {
	if report.Status == nil {
		return fmt.Sprintf("server: stopped (%s)", report.Error)
	}

	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	s := report.Status
	state := "running"
	if s.Paused {
		state = "paused"
	}
	_, _ = fmt.Fprintf(w, "server\t%s\tpid %d\tup %s\tengine %s\n",
		state, s.PID, formatUptime(s.UptimeSeconds), s.EngineState)

	if len(report.Plugins) > 0 {
		_, _ = fmt.Fprintln(w, "\nPLUGIN\tVERSION\tTYPE\tSTARTED")
		for _, p := range report.Plugins {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.Name, p.Version, p.Type, p.Started)
		}
	}

	_ = w.Flush()
	return string(buf)
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
