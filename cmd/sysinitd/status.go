package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/sysinitd/internal/supervisor"
)

func runStatus(w io.Writer, f StatusFlags) error {
	c := NewAPIClient(f.APIUrl, f.APITimeout)

	var sts []supervisor.Status
	if f.ID != "" {
		st, err := c.Service(f.ID)
		if err != nil {
			return err
		}
		sts = []supervisor.Status{st}
	} else {
		var err error
		if sts, err = c.Services(f.State); err != nil {
			return err
		}
	}

	if f.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sts)
	}
	_, _ = fmt.Fprintln(w, renderStatusTable(sts, time.Now()))
	return nil
}

var statusColumns = []string{"SERVICE", "STATE", "PID", "ATTEMPTS", "HEALTH", "SINCE", "DETAIL"}

// renderStatusTable lays the statuses out in aligned columns.
func renderStatusTable(sts []supervisor.Status, now time.Time) string {
	if len(sts) == 0 {
		return styleMuted.Render("no services")
	}
	rows := make([][]string, 0, len(sts))
	for _, st := range sts {
		pid := "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
		}
		health := "ok"
		if st.Severity > 0 {
			health = "level" + strconv.Itoa(st.Severity)
		}
		since := "-"
		if !st.Since.IsZero() {
			since = now.Sub(st.Since).Truncate(time.Second).String()
		}
		detail := st.Error
		if detail == "" {
			detail = st.LastExit
		}
		rows = append(rows, []string{st.ID, st.State.String(), pid, strconv.Itoa(st.Attempts), health, since, detail})
	}

	widths := make([]int, len(statusColumns))
	for i, h := range statusColumns {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	lines := make([]string, 0, len(rows)+1)
	header := make([]string, len(statusColumns))
	for i, h := range statusColumns {
		header[i] = styleCell.Width(widths[i] + 2).Inherit(styleHeader).Render(h)
	}
	lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, header...))
	for i, r := range rows {
		cells := make([]string, len(r))
		for j, cell := range r {
			style := styleCell.Width(widths[j] + 2)
			if j == 1 {
				style = style.Inherit(stateStyle(sts[i].State))
			}
			cells[j] = style.Render(cell)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
