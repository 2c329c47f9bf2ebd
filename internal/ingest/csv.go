package ingest

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// MetricsCSVHeader is the only accepted header of a metrics import.
var MetricsCSVHeader = []string{
	"day", "episode_id", "source", "downloads", "listeners",
	"completion_rate", "ctr", "conversions", "revenue_cents",
}

// CSVRow is one parsed metrics row. Err is set when the row was rejected.
type CSVRow struct {
	Index     int
	Key       models.MetricKey
	Increment models.MetricIncrement
	Err       *models.ValidationError
}

// CSVContributionID is the ledger id of a CSV row. It depends only on the
// row's natural key, so a corrected re-import replaces the earlier values.
func CSVContributionID(key models.MetricKey) string {
	h := sha256.Sum256([]byte(key.Day + "\x1f" + key.EpisodeID + "\x1f" + key.Source))
	return "csv:" + hex.EncodeToString(h[:])
}

// ParseMetricsCSV reads every row of r. Rows are validated independently; an
// error is returned only when the header is wrong or the stream is unreadable.
func ParseMetricsCSV(r io.Reader) ([]CSVRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, models.NewValidationError("header", "file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	if !equalHeader(header, MetricsCSVHeader) {
		return nil, models.NewValidationError("header", "expected "+strings.Join(MetricsCSVHeader, ","))
	}

	var rows []CSVRow
	for i := 0; ; i++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			rows = append(rows, CSVRow{Index: i, Err: models.NewValidationError("row", pe.Err.Error())})
			continue
		}
		if err != nil {
			return rows, fmt.Errorf("read csv row %d: %w", i, err)
		}
		rows = append(rows, parseMetricsRow(i, rec))
	}
	return rows, nil
}

func equalHeader(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if strings.TrimSpace(got[i]) != want[i] {
			return false
		}
	}
	return true
}

func parseMetricsRow(index int, rec []string) CSVRow {
	row := CSVRow{Index: index}
	if len(rec) != len(MetricsCSVHeader) {
		row.Err = models.NewValidationError("row", fmt.Sprintf("expected %d fields, got %d", len(MetricsCSVHeader), len(rec)))
		return row
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}

	row.Key = models.MetricKey{Day: rec[0], EpisodeID: rec[1], Source: rec[2]}
	if err := row.Key.Validate(); err != nil {
		row.Err = asValidation(err)
		return row
	}

	inc := models.MetricIncrement{ContributionID: CSVContributionID(row.Key)}
	var err error
	if inc.Downloads, err = parseCount("downloads", rec[3]); err != nil {
		row.Err = asValidation(err)
		return row
	}
	if inc.Listeners, err = parseCount("listeners", rec[4]); err != nil {
		row.Err = asValidation(err)
		return row
	}
	if inc.CompletionRate, err = parseRate("completion_rate", rec[5]); err != nil {
		row.Err = asValidation(err)
		return row
	}
	if inc.CTR, err = parseRate("ctr", rec[6]); err != nil {
		row.Err = asValidation(err)
		return row
	}
	if inc.Conversions, err = parseCount("conversions", rec[7]); err != nil {
		row.Err = asValidation(err)
		return row
	}
	if inc.RevenueCents, err = parseCount("revenue_cents", rec[8]); err != nil {
		row.Err = asValidation(err)
		return row
	}

	// Rates are averaged by the audience they were measured on.
	if inc.CompletionRate != nil {
		inc.CompletionWeight = max(inc.Listeners, 1)
	}
	if inc.CTR != nil {
		inc.CTRWeight = max(inc.Downloads, 1)
	}

	if err := inc.Validate(); err != nil {
		row.Err = asValidation(err)
		return row
	}
	row.Increment = inc
	return row
}

func parseCount(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, models.NewValidationError(field, fmt.Sprintf("%q is not an integer", s))
	}
	if v < 0 {
		return 0, models.NewValidationError(field, "must not be negative")
	}
	return v, nil
}

func parseRate(field, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, models.NewValidationError(field, fmt.Sprintf("%q is not a number", s))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return nil, models.NewValidationError(field, fmt.Sprintf("%q is outside [0,1]", s))
	}
	return &v, nil
}

func asValidation(err error) *models.ValidationError {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return models.NewValidationError("row", err.Error())
}
