package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnyzak/reqsnipe/internal/config"
)

type armPayload struct {
	Start      string `json:"start,omitempty"`
	IntervalMs int    `json:"interval_ms"`
	DurationMs int    `json:"duration_ms"`
}

func newArmCmd() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "arm",
		Short: "Arm the replay schedule of a running instance",
		Long: `Sends the schedule to the admin API of a running reqsnipe instance.

The start time, interval and duration come from --start, --interval-ms and
--duration-ms, falling back to the schedule section of the configuration.`,
		Example: `  reqsnipe arm --start 2025-06-20T10:00:00+08:00
  reqsnipe arm --start "2025-06-20 10:00" --interval-ms 100 --duration-ms 5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if api == "" {
				api = fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Server.Port, cfg.Server.AdminPath)
			}

			payload, err := buildArmPayload(cfg.Schedule)
			if err != nil {
				return err
			}
			status, body, err := postJSON(strings.TrimRight(api, "/")+"/arm", payload)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("arm failed (%d): %s", status, strings.TrimSpace(string(body)))
			}

			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				out.Write(body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&api, "api", "", "Admin API base URL (default http://127.0.0.1:<port><admin_path>)")
	return cmd
}

// buildArmPayload checks the schedule locally so obvious mistakes never reach the server.
func buildArmPayload(sc config.ScheduleConfig) (armPayload, error) {
	if sc.Start == "" {
		return armPayload{}, fmt.Errorf("start time is required (--start)")
	}
	start, err := config.ParseStart(sc.Start)
	if err != nil {
		return armPayload{}, err
	}
	if err := sc.Check(sc.IntervalMs, sc.DurationMs); err != nil {
		return armPayload{}, err
	}
	return armPayload{
		Start:      start.Format(time.RFC3339Nano),
		IntervalMs: sc.IntervalMs,
		DurationMs: sc.DurationMs,
	}, nil
}

func postJSON(url string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response failed: %w", err)
	}
	return resp.StatusCode, body, nil
}
