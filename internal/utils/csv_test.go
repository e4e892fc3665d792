package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"optionsBot/internal/domain"
)

func TestCandleCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.csv")
	candles := []*domain.Candle{
		{Date: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), Open: 24000, High: 24050, Low: 23980.5, Close: 24020, Volume: 125000},
		{Date: time.Date(2025, 6, 2, 15, 15, 0, 0, time.UTC), Open: 24020, High: 24080, Low: 24010, Close: 24075.25, Volume: 98000},
	}

	if err := WriteCandlesToCSV(candles, path); err != nil {
		t.Fatalf("WriteCandlesToCSV: %v", err)
	}
	got, err := ReadCandlesFromCSV(path)
	if err != nil {
		t.Fatalf("ReadCandlesFromCSV: %v", err)
	}
	if len(got) != len(candles) {
		t.Fatalf("round trip returned %d candles, want %d", len(got), len(candles))
	}
	for i, c := range candles {
		g := got[i]
		if !g.Date.Equal(c.Date) || g.Open != c.Open || g.High != c.High || g.Low != c.Low || g.Close != c.Close || g.Volume != c.Volume {
			t.Errorf("candle %d mismatch: got %+v, want %+v", i, g, c)
		}
	}
}

func TestReadCandlesWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.csv")
	raw := "2025-06-02T10:00:00Z,24000,24050,23980,24020,125000\n"
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCandlesFromCSV(path)
	if err != nil {
		t.Fatalf("ReadCandlesFromCSV: %v", err)
	}
	if len(got) != 1 || got[0].Close != 24020 {
		t.Errorf("headerless read wrong: %+v", got)
	}
}

func TestReadCandlesRejectsBadRows(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"short row": "date,open,high,low,close,volume\n2025-06-02T10:00:00Z,24000\n",
		"bad date":  "not-a-date,24000,24050,23980,24020,125000\n",
		"bad float": "2025-06-02T10:00:00Z,24000,abc,23980,24020,125000\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".csv")
			if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadCandlesFromCSV(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
