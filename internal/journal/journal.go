// Package journal appends executed box-spread candidates to a CSV
// file — an append-only trade blotter, not a queryable store.
package journal

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"trading-systemv1/internal/model"
)

var header = []string{
	"executed_at", "mode", "candidate_id", "underlying", "exchange",
	"lower_strike", "higher_strike", "expiry", "net_premium",
	"theoretical_value", "roi", "profitability_score", "fees",
	"slippage", "margin",
}

// Journal appends executed candidates to a CSV file.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// New opens (or creates) the CSV journal at path, writing the header
// row only if the file is new.
func New(path string) (*Journal, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}

	log.Printf("[journal] opened trade journal at %s", path)
	return &Journal{f: f, w: w, path: path}, nil
}

// RecordExecution appends one executed candidate as a CSV row. mode
// is "live" or "paper".
func (j *Journal) RecordExecution(c *model.Candidate, mode string, executedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := []string{
		executedAt.Format(time.RFC3339),
		mode,
		c.ID,
		c.Underlying,
		c.Exchange,
		strconv.FormatFloat(c.LowerStrike, 'f', 2, 64),
		strconv.FormatFloat(c.HigherStrike, 'f', 2, 64),
		c.Expiry.Format("2006-01-02"),
		strconv.FormatFloat(c.Metrics.NetPremium, 'f', 4, 64),
		strconv.FormatFloat(c.Metrics.TheoreticalValue, 'f', 4, 64),
		strconv.FormatFloat(c.Metrics.ROI, 'f', 6, 64),
		strconv.FormatFloat(c.Metrics.ProfitabilityScore, 'f', 4, 64),
		strconv.FormatFloat(c.Metrics.Fees, 'f', 4, 64),
		strconv.FormatFloat(c.Metrics.Slippage, 'f', 4, 64),
		strconv.FormatFloat(c.Metrics.Margin, 'f', 4, 64),
	}
	if err := j.w.Write(row); err != nil {
		return fmt.Errorf("journal: write row: %w", err)
	}
	j.w.Flush()
	return j.w.Error()
}

// Record is one parsed row from the journal file.
type Record struct {
	ExecutedAt         time.Time
	Mode               string
	CandidateID        string
	Underlying         string
	Exchange           string
	LowerStrike        float64
	HigherStrike       float64
	Expiry             string
	NetPremium         float64
	TheoreticalValue   float64
	ROI                float64
	ProfitabilityScore float64
	Fees               float64
	Slippage           float64
	Margin             float64
}

// Recent reads the journal file from disk and returns up to the last
// limit executions, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	j.mu.Lock()
	j.w.Flush()
	j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	rows = rows[1:] // drop header

	var out []Record
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		rec, ok := parseRow(rows[i])
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseRow(row []string) (Record, bool) {
	if len(row) != len(header) {
		return Record{}, false
	}
	executedAt, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return Record{}, false
	}
	rec := Record{
		ExecutedAt:  executedAt,
		Mode:        row[1],
		CandidateID: row[2],
		Underlying:  row[3],
		Exchange:    row[4],
		Expiry:      row[7],
	}
	rec.LowerStrike, _ = strconv.ParseFloat(row[5], 64)
	rec.HigherStrike, _ = strconv.ParseFloat(row[6], 64)
	rec.NetPremium, _ = strconv.ParseFloat(row[8], 64)
	rec.TheoreticalValue, _ = strconv.ParseFloat(row[9], 64)
	rec.ROI, _ = strconv.ParseFloat(row[10], 64)
	rec.ProfitabilityScore, _ = strconv.ParseFloat(row[11], 64)
	rec.Fees, _ = strconv.ParseFloat(row[12], 64)
	rec.Slippage, _ = strconv.ParseFloat(row[13], 64)
	rec.Margin, _ = strconv.ParseFloat(row[14], 64)
	return rec, true
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	return j.f.Close()
}
