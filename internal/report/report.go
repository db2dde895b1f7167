// Package report writes trade history and performance summaries as CSV.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/quantfold/depthtrader/internal/storage"
)

// Reporter renders CSV reports from the trade store.
type Reporter struct {
	store storage.Interface
}

// NewReporter creates a reporter over the given store.
func NewReporter(store storage.Interface) *Reporter {
	return &Reporter{store: store}
}

// WriteTrades writes the full trade history, newest first. Administrative
// exits are included; they carry their reason so a reader can filter.
func (r *Reporter) WriteTrades(w io.Writer) error {
	trades, err := r.store.GetTradeHistory(0)
	if err != nil {
		return fmt.Errorf("loading trade history: %w", err)
	}

	cw := csv.NewWriter(w)
	header := []string{
		"order_ref", "strategy", "symbol", "contract", "direction", "quantity",
		"entry_time", "entry_price", "exit_time", "exit_price", "exit_reason", "pnl",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, tr := range trades {
		row := []string{
			tr.OrderRef,
			tr.Strategy,
			tr.Contract.Symbol,
			tr.Contract.LocalSymbol,
			string(tr.Direction),
			strconv.Itoa(tr.Quantity),
			tr.EntryTime.UTC().Format(time.RFC3339),
			formatPrice(tr.EntryPrice),
			tr.ExitTime.UTC().Format(time.RFC3339),
			formatPrice(tr.ExitPrice),
			string(tr.ExitReason),
			formatPrice(tr.PnL),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WritePerformance writes the per-strategy summary. Administrative exits
// are already excluded by the store.
func (r *Reporter) WritePerformance(w io.Writer) error {
	perf, err := r.store.GetPerformance()
	if err != nil {
		return fmt.Errorf("loading performance: %w", err)
	}

	names := make([]string, 0, len(perf))
	for name := range perf {
		names = append(names, name)
	}
	sort.Strings(names)

	cw := csv.NewWriter(w)
	header := []string{
		"strategy", "trades", "wins", "losses", "win_rate",
		"total_pnl", "avg_pnl", "best_trade", "worst_trade",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, name := range names {
		p := perf[name]
		row := []string{
			name,
			strconv.Itoa(p.Trades),
			strconv.Itoa(p.Wins),
			strconv.Itoa(p.Losses),
			strconv.FormatFloat(p.WinRate, 'f', 4, 64),
			formatPrice(p.TotalPnL),
			formatPrice(p.AvgPnL),
			formatPrice(p.BestTrade),
			formatPrice(p.WorstTrade),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSymbolPerformance writes the per-underlying summary. Administrative
// exits are already excluded by the store.
func (r *Reporter) WriteSymbolPerformance(w io.Writer) error {
	perf, err := r.store.GetSymbolPerformance()
	if err != nil {
		return fmt.Errorf("loading symbol performance: %w", err)
	}

	symbols := make([]string, 0, len(perf))
	for symbol := range perf {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	cw := csv.NewWriter(w)
	header := []string{
		"symbol", "trades", "wins", "losses", "win_rate",
		"total_pnl", "avg_pnl", "best_trade", "worst_trade",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, symbol := range symbols {
		p := perf[symbol]
		row := []string{
			symbol,
			strconv.Itoa(p.Trades),
			strconv.Itoa(p.Wins),
			strconv.Itoa(p.Losses),
			strconv.FormatFloat(p.WinRate, 'f', 4, 64),
			formatPrice(p.TotalPnL),
			formatPrice(p.AvgPnL),
			formatPrice(p.BestTrade),
			formatPrice(p.WorstTrade),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDailyPnL writes one row per trading day with daily and cumulative
// realized pnl, oldest first, excluding administrative exits.
func (r *Reporter) WriteDailyPnL(w io.Writer) error {
	trades, err := r.store.GetTradeHistory(0)
	if err != nil {
		return fmt.Errorf("loading trade history: %w", err)
	}

	daily := make(map[string]float64)
	for _, tr := range trades {
		if tr.ExitReason.Administrative() {
			continue
		}
		daily[tr.ExitTime.UTC().Format("2006-01-02")] += tr.PnL
	}
	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "pnl", "cumulative_pnl"}); err != nil {
		return err
	}
	var cumulative float64
	for _, day := range days {
		cumulative += daily[day]
		row := []string{day, formatPrice(daily[day]), formatPrice(cumulative)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type reportFile struct {
	name  string
	write func(io.Writer) error
}

func (r *Reporter) tradeFiles() []reportFile {
	return []reportFile{{"trades", r.WriteTrades}}
}

func (r *Reporter) summaryFiles() []reportFile {
	return []reportFile{
		{"performance", r.WritePerformance},
		{"symbols", r.WriteSymbolPerformance},
		{"daily_pnl", r.WriteDailyPnL},
	}
}

// ExportAll writes every report into dir, timestamped, and returns the
// written file paths.
func (r *Reporter) ExportAll(dir string) ([]string, error) {
	return r.export(dir, append(r.tradeFiles(), r.summaryFiles()...))
}

// ExportTrades writes only the trade-history CSV.
func (r *Reporter) ExportTrades(dir string) ([]string, error) {
	return r.export(dir, r.tradeFiles())
}

// ExportReport writes the performance summaries without the trade log.
func (r *Reporter) ExportReport(dir string) ([]string, error) {
	return r.export(dir, r.summaryFiles())
}

func (r *Reporter) export(dir string, files []reportFile) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102-150405")

	var written []string
	for _, f := range files {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.csv", f.name, stamp))
		if err := r.writeFile(path, f.write); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func (r *Reporter) writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path) // #nosec G304 -- path is derived from the operator-chosen report dir
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
