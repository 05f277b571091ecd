// Package transcript records the bot's conversation: a styled console view
// and an optional text or JSON-lines file per run.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Direction says which way a transcript line travelled.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
	System   Direction = "system"
	Failure  Direction = "error"
)

// Entry is one transcript line. It is also the JSON file record.
type Entry struct {
	Time      time.Time `json:"time"`
	Direction Direction `json:"direction"`
	Sender    string    `json:"sender,omitempty"`
	Room      string    `json:"room,omitempty"`
	Body      string    `json:"body"`
}

// Transcript writes entries to the console and to a per-run log file.
// It is safe for concurrent use.
type Transcript struct {
	mu           sync.Mutex
	logFile      *os.File
	logPath      string
	logFormat    string
	console      io.Writer
	senderColors map[string]lipgloss.Style
	colorIndex   int
	width        int
}

var colors = []lipgloss.Color{
	lipgloss.Color("63"),  // Blue
	lipgloss.Color("212"), // Pink
	lipgloss.Color("86"),  // Green
	lipgloss.Color("214"), // Orange
	lipgloss.Color("51"),  // Cyan
}

var (
	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true)

	systemBadgeStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("235")).
				Foreground(lipgloss.Color("244")).
				Padding(0, 1).
				MarginRight(1)

	botBadgeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("99")).
			Foreground(lipgloss.Color("0")).
			Bold(true).
			Padding(0, 1).
			MarginRight(1)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// New creates a transcript. An empty logDir disables the file; a nil
// console disables terminal output. format is "text" or "json".
func New(logDir, format string, console io.Writer) (*Transcript, error) {
	t := &Transcript{
		logFormat:    format,
		console:      console,
		senderColors: make(map[string]lipgloss.Style),
		width:        80,
	}
	if logDir == "" {
		return t, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	ext := "log"
	if format == "json" {
		ext = "jsonl"
	}
	stamp := time.Now().Format("2006-01-02_15-04-05")
	t.logPath = filepath.Join(logDir, fmt.Sprintf("room_%s.%s", stamp, ext))

	logFile, err := os.Create(t.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}
	t.logFile = logFile

	if format != "json" {
		t.writeToFile("=== roombot transcript ===\n")
		t.writeToFile("Started: " + time.Now().Format("2006-01-02 15:04:05") + "\n\n")
	}
	if console != nil {
		fmt.Fprintf(console, "Transcript: %s\n", t.logPath)
	}

	return t, nil
}

// Path returns the transcript file path, or "" when file logging is off.
func (t *Transcript) Path() string {
	return t.logPath
}

// LogInbound records a message received from sender.
func (t *Transcript) LogInbound(sender, body string) {
	t.Log(Entry{Time: time.Now(), Direction: Inbound, Sender: sender, Body: body})
}

// LogOutbound records a message the bot sent to room.
func (t *Transcript) LogOutbound(room, body string) {
	t.Log(Entry{Time: time.Now(), Direction: Outbound, Room: room, Body: body})
}

// LogSystem records a lifecycle note.
func (t *Transcript) LogSystem(message string) {
	t.Log(Entry{Time: time.Now(), Direction: System, Body: message})
}

// LogError records an error reported by source.
func (t *Transcript) LogError(source string, err error) {
	t.Log(Entry{Time: time.Now(), Direction: Failure, Sender: source, Body: err.Error()})
}

// Log records an arbitrary entry. A nil *Transcript discards it.
func (t *Transcript) Log(e Entry) {
	if t == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeFileEntry(e)
	t.writeConsoleEntry(e)
}

func (t *Transcript) writeFileEntry(e Entry) {
	if t.logFile == nil {
		return
	}

	if t.logFormat == "json" {
		data, err := json.Marshal(e)
		if err == nil {
			t.writeToFile(string(data) + "\n")
		}
		return
	}

	who := e.Sender
	switch e.Direction {
	case Outbound:
		who = "bot -> " + e.Room
	case System:
		who = "system"
	case Failure:
		who = "ERROR " + e.Sender
	}
	t.writeToFile(fmt.Sprintf("[%s] %s: %s\n", e.Time.Format("15:04:05"), who, e.Body))
}

func (t *Transcript) writeConsoleEntry(e Entry) {
	if t.console == nil {
		return
	}

	var out strings.Builder
	out.WriteString(timestampStyle.Render(e.Time.Format("15:04:05") + " "))

	switch e.Direction {
	case System:
		out.WriteString(systemBadgeStyle.Render("SYSTEM"))
		out.WriteString(systemStyle.Render(e.Body))
		out.WriteString("\n")
	case Failure:
		out.WriteString(errorStyle.Render("ERROR"))
		fmt.Fprintf(&out, " %s: %s\n", e.Sender, e.Body)
	case Outbound:
		out.WriteString(botBadgeStyle.Render("bot"))
		out.WriteString("\n")
		t.writeBody(&out, e.Body, botStyle)
	default:
		style := t.senderColor(e.Sender)
		out.WriteString(t.senderBadge(style).Render(e.Sender))
		out.WriteString("\n")
		t.writeBody(&out, e.Body, style)
	}

	fmt.Fprint(t.console, out.String())
}

func (t *Transcript) writeBody(out *strings.Builder, body string, style lipgloss.Style) {
	for _, line := range strings.Split(wrapText(body, t.width, 2), "\n") {
		out.WriteString(style.Render(line))
		out.WriteString("\n")
	}
}

func (t *Transcript) senderColor(sender string) lipgloss.Style {
	if style, ok := t.senderColors[sender]; ok {
		return style
	}
	style := lipgloss.NewStyle().
		Foreground(colors[t.colorIndex%len(colors)]).
		Bold(true)
	t.colorIndex++
	t.senderColors[sender] = style
	return style
}

func (t *Transcript) senderBadge(style lipgloss.Style) lipgloss.Style {
	return lipgloss.NewStyle().
		Background(style.GetForeground()).
		Foreground(lipgloss.Color("0")).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)
}

// wrapText breaks text at word boundaries so no line exceeds width runes,
// indenting every line. Words longer than a line are split.
func wrapText(text string, width, indent int) string {
	maxWidth := width - indent
	if maxWidth < 20 {
		maxWidth = 20
	}
	pad := strings.Repeat(" ", indent)

	var wrapped []string
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			wrapped = append(wrapped, pad)
			continue
		}

		var current []rune
		flush := func() {
			if len(current) > 0 {
				wrapped = append(wrapped, pad+string(current))
				current = current[:0]
			}
		}
		for _, word := range words {
			w := []rune(word)
			for len(w) > maxWidth {
				flush()
				wrapped = append(wrapped, pad+string(w[:maxWidth]))
				w = w[maxWidth:]
			}
			if len(current) > 0 && len(current)+1+len(w) > maxWidth {
				flush()
			}
			if len(current) > 0 {
				current = append(current, ' ')
			}
			current = append(current, w...)
		}
		flush()
	}
	return strings.Join(wrapped, "\n")
}

func (t *Transcript) writeToFile(content string) {
	if t.logFile == nil {
		return
	}
	if _, err := t.logFile.WriteString(content); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing transcript: %v\n", err)
	}
	if err := t.logFile.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "Error syncing transcript: %v\n", err)
	}
}

// Close ends the transcript file. The transcript stays usable for console output.
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logFile == nil {
		return nil
	}
	if t.logFormat != "json" {
		t.writeToFile("\nEnded: " + time.Now().Format("2006-01-02 15:04:05") + "\n")
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}
