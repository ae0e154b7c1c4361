package simulation_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/effective-security/dssatmcp/simulation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// summaryLine returns a row with the fixed width columns of SUMMARY.OUT
func summaryLine(expt, date, yield string) string {
	return fmt.Sprintf("%-8s%11s%-6s%40s%7s  trailing", expt, "", date, "", yield)
}

func summaryContent() string {
	return strings.Join([]string{
		"*SUMMARY : SWSW7501WH WHEAT SWIFT CURRENT",
		"",
		"!IDENTIFIERS......................... TREATMENT",
		"@   RUNNO   TRNO R# O# P# CR MODEL... TNAM.....................",
		summaryLine("SWSW7501", "1975123", "2450.5"),
		summaryLine("SWSW7502", "1975130", "  3100"),
		summaryLine("SWSW7503", "1975137", "   -99"),
		summaryLine("SWSW7504", "1975140", "  n/a "),
		"short line",
	}, "\r\n")
}

func TestParseSummary(t *testing.T) {
	s, err := simulation.ParseSummary(strings.NewReader(summaryContent()))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Treatments)
	require.Len(t, s.Rows, 3)
	assert.Equal(t, simulation.TreatmentSummary{Experiment: "SWSW7501", PlantingDate: "197512", YieldKgHa: 2450.5}, s.Rows[0])
	assert.Equal(t, 3100.0, s.Rows[1].YieldKgHa)
	assert.Equal(t, -99.0, s.Rows[2].YieldKgHa)

	empty, err := simulation.ParseSummary(strings.NewReader("@HEADER\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Treatments)
	assert.NotNil(t, empty.Rows)
}

func TestParseSummaryFile(t *testing.T) {
	dir := t.TempDir()
	s, err := simulation.ParseSummaryFile(filepath.Join(dir, "SUMMARY.OUT"))
	require.NoError(t, err)
	assert.Nil(t, s)

	p := filepath.Join(dir, "SUMMARY.OUT")
	require.NoError(t, os.WriteFile(p, []byte(summaryContent()), 0o644))
	s, err = simulation.ParseSummaryFile(p)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Treatments)
}
