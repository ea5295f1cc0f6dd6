package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/reqsnipe/internal/config"
)

const minBoxWidth = 50

func printStartupBanner(w io.Writer, cfg *config.Config) {
	title := fmt.Sprintf("ReqSnipe v%s", version)
	subtitle := "Request Capture & Scheduled Replay"

	capture := "Off (enable via API)"
	if cfg.Capture.EnableOnStart {
		capture = "On"
	}
	start := cfg.Schedule.Start
	if start == "" {
		start = "not set (arm via API)"
	}

	lines := []string{
		fmt.Sprintf("🚀 Listening on:  http://0.0.0.0:%d", cfg.Server.Port),
		fmt.Sprintf("🛠  Admin API:     http://127.0.0.1:%d%s", cfg.Server.Port, cfg.Server.AdminPath),
		fmt.Sprintf("🎯 Target:        %s %s", cfg.Target.Method, cfg.Target.URL),
		fmt.Sprintf("📥 Capture:       %s (%s)", capture, cfg.Capture.Adapter),
		"",
		fmt.Sprintf("⏱  Start:         %s", start),
		fmt.Sprintf("   └─ Interval:   %dms (min %dms)", cfg.Schedule.IntervalMs, cfg.Schedule.MinIntervalMs),
		fmt.Sprintf("   └─ Duration:   %dms (min %dms)", cfg.Schedule.DurationMs, cfg.Schedule.MinDurationMs),
		"",
		fmt.Sprintf("💾 Storage:       %s", storageLabel(&cfg.Storage)),
		fmt.Sprintf("📊 Log Level:     %s", cfg.Log.Level),
	}
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("   └─ File:       %s", cfg.Log.FileLogging.Path))
	}
	lines = append(lines, "", "(Press Ctrl+C to stop)")

	width := runewidth.StringWidth(title)
	for _, line := range append(lines, subtitle) {
		if lw := runewidth.StringWidth(line); lw > width {
			width = lw
		}
	}
	width += 4
	if width < minBoxWidth {
		width = minBoxWidth
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", width-2))
	fmt.Fprintln(w, boxLine(title, width, true))
	fmt.Fprintln(w, boxLine(subtitle, width, true))
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", width-2))
	for _, line := range lines {
		fmt.Fprintln(w, boxLine(line, width, false))
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", width-2))
	fmt.Fprintln(w)
}

// boxLine pads content to the inner width of the box, measuring display cells.
func boxLine(content string, width int, center bool) string {
	padding := width - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}
	if center {
		return "│" + strings.Repeat(" ", padding/2) + content + strings.Repeat(" ", padding-padding/2) + "│"
	}
	if padding < 2 {
		return "│" + content + strings.Repeat(" ", padding) + "│"
	}
	return "│  " + content + strings.Repeat(" ", padding-2) + "│"
}

func storageLabel(cfg *config.StorageConfig) string {
	switch cfg.Driver {
	case "redis":
		return fmt.Sprintf("redis %s:%d/%d", cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.DB)
	case "memory":
		return "memory (nothing survives restart)"
	default:
		return "sqlite " + cfg.Path
	}
}
