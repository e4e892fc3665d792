package utils

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"optionsBot/internal/domain"
)

// WriteCandlesToCSV writes candles with a header row.
func WriteCandlesToCSV(candles []*domain.Candle, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"date", "open", "high", "low", "close", "volume"})

	for _, c := range candles {
		writer.Write([]string{
			c.Date.Format(time.RFC3339),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		})
	}
	return writer.Error()
}

// ReadCandlesFromCSV reads candles written by WriteCandlesToCSV. A header
// row is detected and skipped.
func ReadCandlesFromCSV(filename string) ([]*domain.Candle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}

	candles := make([]*domain.Candle, 0, len(records))
	for i, rec := range records {
		if len(rec) < 6 {
			return nil, fmt.Errorf("%s line %d: want 6 fields, got %d", filename, i+1, len(rec))
		}
		if i == 0 && rec[0] == "date" {
			continue
		}
		date, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: parsing date '%s': %w", filename, i+1, rec[0], err)
		}
		vals := make([]float64, 5)
		for j := 1; j < 6; j++ {
			v, err := strconv.ParseFloat(rec[j], 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: parsing field %d: %w", filename, i+1, j, err)
			}
			vals[j-1] = v
		}
		candles = append(candles, &domain.Candle{
			Date:   date,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		})
	}
	return candles, nil
}
