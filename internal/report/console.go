package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"golang.org/x/term"
)

// ColorScheme color scheme
type ColorScheme struct {
	Info      *color.Color
	Success   *color.Color
	Error     *color.Color
	Kind      *color.Color
	Timestamp *color.Color
	FieldKey  *color.Color
	FieldVal  *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		Info:      color.New(color.FgCyan),
		Success:   color.New(color.FgGreen, color.Bold),
		Error:     color.New(color.FgRed, color.Bold),
		Kind:      color.New(color.FgYellow),
		Timestamp: color.New(color.FgHiBlack),
		FieldKey:  color.New(color.FgHiBlack),
		FieldVal:  color.New(color.FgWhite),
	}
}

var severityMarks = map[Severity]string{
	SeverityInfo:    "•",
	SeveritySuccess: "✔",
	SeverityError:   "✘",
}

// ConsolePrinter prints one colored line per event
type ConsolePrinter struct {
	mu          sync.Mutex
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		out:         os.Stdout,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("REQSNIPE_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within the specified width, preserving words
func wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := utf8.RuneCountInString(currentLine)

	for _, word := range words[1:] {
		wordWidth := utf8.RuneCountInString(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

// Report prints the event
func (p *ConsolePrinter) Report(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	sevColor := p.severityColor(ev.Severity)
	mark := severityMarks[ev.Severity]
	if mark == "" {
		mark = severityMarks[SeverityInfo]
	}

	prefix := fmt.Sprintf("%s %s [%s] ", ts.Format("15:04:05.000"), mark, ev.Kind)
	indent := strings.Repeat(" ", utf8.RuneCountInString(prefix))
	lines := wrapText(ev.Message, p.getTerminalWidth()-utf8.RuneCountInString(prefix))

	p.colorScheme.Timestamp.Fprint(p.out, ts.Format("15:04:05.000"))
	fmt.Fprint(p.out, " ")
	sevColor.Fprint(p.out, mark)
	fmt.Fprint(p.out, " ")
	p.colorScheme.Kind.Fprintf(p.out, "[%s] ", ev.Kind)
	for i, line := range lines {
		if i > 0 {
			fmt.Fprint(p.out, indent)
		}
		sevColor.Fprintln(p.out, line)
	}

	if len(ev.Fields) > 0 {
		p.printFields(ev.Fields, indent)
	}
}

func (p *ConsolePrinter) printFields(fields map[string]interface{}, indent string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprint(p.out, indent)
	for i, k := range keys {
		if i > 0 {
			fmt.Fprint(p.out, "  ")
		}
		p.colorScheme.FieldKey.Fprintf(p.out, "%s=", k)
		p.colorScheme.FieldVal.Fprint(p.out, formatValue(k, fields[k]))
	}
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) severityColor(sev Severity) *color.Color {
	switch sev {
	case SeveritySuccess:
		return p.colorScheme.Success
	case SeverityError:
		return p.colorScheme.Error
	default:
		return p.colorScheme.Info
	}
}

// formatValue renders field values for humans.
func formatValue(key string, v interface{}) string {
	switch val := v.(type) {
	case time.Time:
		return val.Format("2006-01-02 15:04:05.000") + " (" + humanize.Time(val) + ")"
	case time.Duration:
		return val.String()
	case int:
		if strings.HasSuffix(key, "bytes") {
			return humanize.Bytes(uint64(val))
		}
		return humanize.Comma(int64(val))
	case int64:
		if strings.HasSuffix(key, "bytes") {
			return humanize.Bytes(uint64(val))
		}
		return humanize.Comma(val)
	case error:
		return val.Error()
	default:
		return fmt.Sprint(val)
	}
}
