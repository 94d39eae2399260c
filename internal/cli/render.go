package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle   = lipgloss.NewStyle().Faint(true).Width(26)
	valueStyle = lipgloss.NewStyle()
	alertStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type field struct {
	key   string
	value string
	style lipgloss.Style
}

func plain(key, value string) field { return field{key: key, value: value, style: valueStyle} }

func status(key string, on bool, onText, offText string) field {
	if on {
		return field{key: key, value: onText, style: alertStyle}
	}
	return field{key: key, value: offText, style: okStyle}
}

func renderFields(w io.Writer, title string, fields []field) error {
	rows := make([]string, 0, len(fields)+1)
	rows = append(rows, titleStyle.Render(title))
	for _, f := range fields {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(f.key), f.style.Render(f.value)))
	}
	_, err := fmt.Fprintln(w, boxStyle.Render(strings.Join(rows, "\n")))
	return err
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
