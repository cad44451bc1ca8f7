// Copyright 2025 James Ross
package jobstore

import (
	"bytes"
	"encoding/csv"
	"strconv"
)

// AnalyticsCSV renders a two-section export: daily history rows, a blank
// separator, then by-model rows. Matches the shape of GET /v1/analytics/export.csv.
func AnalyticsCSV(a *Analytics) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"date", "total", "completed", "failed"}); err != nil {
		return nil, err
	}
	for _, d := range a.DailyHistory {
		if err := w.Write([]string{
			d.Date,
			strconv.FormatInt(d.Total, 10),
			strconv.FormatInt(d.Completed, 10),
			strconv.FormatInt(d.Failed, 10),
		}); err != nil {
			return nil, err
		}
	}

	if err := w.Write([]string{}); err != nil {
		return nil, err
	}

	if err := w.Write([]string{"model_id", "total", "completed", "failed"}); err != nil {
		return nil, err
	}
	for _, m := range a.ByModel {
		if err := w.Write([]string{
			m.ModelID,
			strconv.FormatInt(m.Total, 10),
			strconv.FormatInt(m.Completed, 10),
			strconv.FormatInt(m.Failed, 10),
		}); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
