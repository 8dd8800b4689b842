package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hylla/concord/internal/domain"
)

// reportWrapWidth is the glamour word-wrap width for conflict reports.
const reportWrapWidth = 96

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// writeTable renders rows with a rounded border, or a one-line notice when empty.
func writeTable(w io.Writer, empty string, headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, empty)
		return err
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("62"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func lockRows(locks []domain.Lock) [][]string {
	rows := make([][]string, 0, len(locks))
	for _, lock := range locks {
		rows = append(rows, []string{
			lock.ResourceType,
			lock.DocumentID,
			lock.HolderID,
			string(lock.Status),
			formatTime(lock.ExpiresAt),
			lock.LockID,
		})
	}
	return rows
}

func versionRows(versions []domain.VersionRecord) [][]string {
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{
			strconv.FormatInt(v.Version, 10),
			string(v.OperationKind),
			v.AuthorID,
			formatTime(v.RecordedAt),
			v.Checksum,
		})
	}
	return rows
}

func conflictRows(records []domain.ConflictRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ConflictID,
			rec.ResourceType + "/" + rec.DocumentID,
			string(rec.Kind),
			string(rec.Status),
			strings.Join(rec.InvolvedActorIDs, ","),
			formatVersions(rec.BaseVersion, rec.ConflictingVersions),
		})
	}
	return rows
}

func logRows(entries []domain.LogEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			formatTime(e.RecordedAt),
			string(e.Level),
			e.OperationType,
			e.ActorID,
			e.Details,
		})
	}
	return rows
}

// conflictReportMarkdown describes one conflict record as markdown.
func conflictReportMarkdown(rec domain.ConflictRecord, versions []domain.VersionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conflict `%s`\n\n", rec.ConflictID)
	fmt.Fprintf(&b, "- **Document:** `%s/%s`\n", rec.ResourceType, rec.DocumentID)
	fmt.Fprintf(&b, "- **Kind:** `%s`\n", rec.Kind)
	fmt.Fprintf(&b, "- **Status:** `%s`\n", rec.Status)
	fmt.Fprintf(&b, "- **Actors:** %s\n", strings.Join(rec.InvolvedActorIDs, ", "))
	fmt.Fprintf(&b, "- **Versions:** %s\n", formatVersions(rec.BaseVersion, rec.ConflictingVersions))
	fmt.Fprintf(&b, "- **Opened:** %s\n", formatTime(rec.CreatedAt))

	if rec.Status == domain.ConflictStatusResolved {
		b.WriteString("\n## Resolution\n\n")
		fmt.Fprintf(&b, "- **Strategy:** `%s`\n", rec.StrategyUsed)
		if rec.ResolvedAt != nil {
			fmt.Fprintf(&b, "- **Resolved:** %s\n", formatTime(*rec.ResolvedAt))
		}
		if rec.Resolution.ResolvedBy != "" {
			fmt.Fprintf(&b, "- **Resolved by:** %s\n", rec.Resolution.ResolvedBy)
		}
		if rec.Resolution.WinningVersion > 0 {
			fmt.Fprintf(&b, "- **Winning version:** %d\n", rec.Resolution.WinningVersion)
		}
		if rec.Resolution.AppliedVersion > 0 {
			fmt.Fprintf(&b, "- **Applied version:** %d\n", rec.Resolution.AppliedVersion)
		}
		if rec.Resolution.WinnerActorID != "" {
			fmt.Fprintf(&b, "- **Winner:** %s\n", rec.Resolution.WinnerActorID)
		}
		if rec.Resolution.Note != "" {
			fmt.Fprintf(&b, "\n> %s\n", rec.Resolution.Note)
		}
	}

	if len(versions) > 0 {
		b.WriteString("\n## Versions\n\n")
		b.WriteString("| Version | Kind | Author | Recorded |\n|---|---|---|---|\n")
		for _, v := range versions {
			fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", v.Version, v.OperationKind, v.AuthorID, formatTime(v.RecordedAt))
		}
	}
	return b.String()
}

// renderMarkdown renders markdown for the terminal with the named glamour style.
func renderMarkdown(markdown, style string) (string, error) {
	style = strings.TrimSpace(style)
	if style == "" {
		style = "auto"
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(reportWrapWidth)}
	if style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	renderer, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	out, err := renderer.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimRight(out, "\n"), nil
}

func formatVersions(base int64, conflicting []int64) string {
	parts := make([]string, 0, len(conflicting))
	for _, v := range conflicting {
		parts = append(parts, strconv.FormatInt(v, 10))
	}
	return fmt.Sprintf("base %d -> [%s]", base, strings.Join(parts, ","))
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

func policyRows(policies []domain.RolePolicy) [][]string {
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		resources := make([]string, 0, len(p.Permissions))
		for rt := range p.Permissions {
			resources = append(resources, rt)
		}
		sort.Strings(resources)
		grants := make([]string, 0, len(resources))
		for _, rt := range resources {
			ops := make([]string, 0, len(p.Permissions[rt]))
			for _, op := range p.Permissions[rt] {
				ops = append(ops, string(op))
			}
			grants = append(grants, rt+": "+strings.Join(ops, ","))
		}
		rows = append(rows, []string{
			string(p.Role),
			strconv.Itoa(p.Role.Rank()),
			strconv.FormatBool(p.ModifyOthers),
			strings.Join(grants, "; "),
		})
	}
	return rows
}
