package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jersoncarin/facebook-message-api/internal/config"
	"github.com/jersoncarin/facebook-message-api/internal/gateway"
)

const statusTimeout = 2 * time.Second

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var (
		host       string
		port       int
		token      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show listener status",
		Long:  `Query the gateway of a running listener for its connection state and counters.`,
		Example: `  fbmsg status
  fbmsg status --host 127.0.0.1 --port 18790 --json`,
		Run: func(cmd *cobra.Command, args []string) {
			gw := config.Default().Gateway
			if cfg, err := config.Load(); err == nil {
				gw = cfg.Gateway
			}
			if cmd.Flags().Changed("host") {
				gw.Host = host
			}
			if port != 0 {
				gw.Port = port
			}
			if cmd.Flags().Changed("token") {
				gw.Token = token
			}
			runStatus(cmd.OutOrStdout(), gw, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Gateway host (default: from config file)")
	cmd.Flags().IntVar(&port, "port", 0, "Gateway port (default: from config file, or 18790)")
	cmd.Flags().StringVar(&token, "token", "", "Gateway token (default: from config file)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runStatus(out io.Writer, gw config.GatewayConfig, jsonOutput bool) {
	status, err := fetchGatewayStatus(gw.Host, gw.Port, gw.Token)

	if jsonOutput {
		if err != nil {
			data, _ := json.Marshal(map[string]any{"running": false, "error": err.Error()})
			fmt.Fprintln(out, string(data))
			return
		}
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	fmt.Fprintln(out, "fbmsg status")
	fmt.Fprintln(out, "============")
	fmt.Fprintln(out)

	if err != nil {
		fmt.Fprintln(out, "Listener:  ✗ Not reachable")
		fmt.Fprintf(out, "           %v\n", err)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start it with: fbmsg listen --gateway")
		return
	}

	l := status.Listener
	fmt.Fprintf(out, "Gateway:   ✓ Running on %s:%d\n", gw.Host, gw.Port)
	fmt.Fprintf(out, "Version:   %s\n", status.Version)
	fmt.Fprintf(out, "Uptime:    %s\n", status.Uptime)
	fmt.Fprintf(out, "Account:   %s\n", status.UserID)
	if l.LastError != "" {
		fmt.Fprintf(out, "Error:     %s\n", l.LastError)
	}
	fmt.Fprintln(out)

	mode := l.Mode
	if mode == "" {
		mode = "-"
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"State", "Mode", "Frames", "Events", "Reconnects", "Feeds"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.Append([]string{
		l.State,
		mode,
		strconv.FormatInt(l.FrameCount, 10),
		strconv.FormatInt(l.EventCount, 10),
		strconv.FormatInt(l.ReconnectCount, 10),
		strconv.Itoa(status.Subscribers),
	})
	table.Render()

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Memory:    %s alloc, %s sys\n",
		formatBytes(status.Memory.Alloc),
		formatBytes(status.Memory.Sys))
	fmt.Fprintf(out, "Runtime:   %s\n", status.GoVersion)
}

func fetchGatewayStatus(host string, port int, token string) (*gateway.StatusResponse, error) {
	client := &http.Client{Timeout: statusTimeout}

	url := fmt.Sprintf("http://%s:%d/status", host, port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var status gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
