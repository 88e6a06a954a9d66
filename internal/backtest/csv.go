package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Bar is one daily close.
type Bar struct {
	Date  time.Time
	Close float64
}

// ReadCSV reads daily price history with at least "Date" and "Close"
// columns, as exported by common market data sites. Rows with a missing
// close ("null" or empty) are skipped. Bars are returned oldest first.
func ReadCSV(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	dateCol, closeCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date":
			dateCol = i
		case "close":
			closeCol = i
		}
	}
	if dateCol < 0 || closeCol < 0 {
		return nil, errors.New("csv needs Date and Close columns")
	}

	var bars []Bar
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(row) <= dateCol || len(row) <= closeCol {
			return nil, fmt.Errorf("line %d: expected at least %d fields", line, max(dateCol, closeCol)+1)
		}

		raw := strings.TrimSpace(row[closeCol])
		if raw == "" || strings.EqualFold(raw, "null") {
			continue
		}
		date, err := time.Parse(dateLayout, strings.TrimSpace(row[dateCol]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: close %q: %w", line, raw, err)
		}
		bars = append(bars, Bar{Date: date, Close: price.InexactFloat64()})
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}
