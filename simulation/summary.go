package simulation

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// TreatmentSummary is a row of SUMMARY.OUT
type TreatmentSummary struct {
	Experiment   string  `json:"expt"`
	PlantingDate string  `json:"pl_date"`
	YieldKgHa    float64 `json:"yield_kg_ha"`
}

// Summary is the key metrics extracted from SUMMARY.OUT
type Summary struct {
	Treatments int                `json:"n_treatments"`
	Rows       []TreatmentSummary `json:"treatments"`
}

// fixed width columns of SUMMARY.OUT
const (
	colExpStart, colExpEnd     = 0, 8
	colDateStart, colDateEnd   = 19, 25
	colYieldStart, colYieldEnd = 65, 72
)

// ParseSummaryFile returns nil if the file does not exist
func ParseSummaryFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return ParseSummary(f)
}

// ParseSummary extracts the rows of the fixed width summary.
// Header lines starting with '@', blank lines
// and lines without a numeric yield are skipped.
func ParseSummary(r io.Reader) (*Summary, error) {
	s := &Summary{
		Rows: []TreatmentSummary{},
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "@") || strings.TrimSpace(line) == "" {
			continue
		}
		y, err := strconv.ParseFloat(column(line, colYieldStart, colYieldEnd), 64)
		if err != nil {
			continue
		}
		s.Rows = append(s.Rows, TreatmentSummary{
			Experiment:   column(line, colExpStart, colExpEnd),
			PlantingDate: column(line, colDateStart, colDateEnd),
			YieldKgHa:    y,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to read summary")
	}
	s.Treatments = len(s.Rows)
	return s, nil
}

func column(line string, start, end int) string {
	if start >= len(line) {
		return ""
	}
	end = min(end, len(line))
	return strings.TrimSpace(line[start:end])
}
