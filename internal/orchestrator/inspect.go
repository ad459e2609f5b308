package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/johndauphine/ebpa-setup/internal/distribute"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// Inspect writes a report of the store at path: its run metadata, then one
// line per feature class with kind, geometry, row count, fields and checksum.
func Inspect(ctx context.Context, path string, w io.Writer) error {
	s, err := geodb.Open(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s (%s)", s.Name(), s.Path())))
	for _, key := range []string{distribute.MetaRunID, distribute.MetaScenario, distribute.MetaCreatedBy, distribute.MetaCreatedAt} {
		v, err := s.Meta(ctx, key)
		if err != nil {
			return err
		}
		if v != "" {
			fmt.Fprintf(w, "  %s: %s\n", key, v)
		}
	}

	names, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "  (empty)")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "KIND", "GEOMETRY", "WKID", "ROWS", "FIELDS", "CHECKSUM").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, name := range names {
		fc, err := s.Describe(ctx, name)
		if err != nil {
			return err
		}
		fields, err := s.ListFields(ctx, name)
		if err != nil {
			return err
		}
		sum, err := s.Checksum(ctx, name)
		if err != nil {
			return err
		}
		fieldNames := make([]string, len(fields))
		for i, f := range fields {
			fieldNames[i] = f.Name
		}
		geometry := strings.TrimPrefix(fc.GeometryType, "esriGeometry")
		if geometry == "" {
			geometry = "-"
		}
		t.Row(fc.Name, fc.Kind, geometry, strconv.Itoa(fc.WKID),
			strconv.FormatInt(fc.RowCount, 10), strings.Join(fieldNames, ","), sum[:12])
	}
	fmt.Fprintln(w, t.String())
	return nil
}
