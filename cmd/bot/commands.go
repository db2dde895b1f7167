package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/depthtrader/internal/broker"
	"github.com/quantfold/depthtrader/internal/storage"
)

const helpText = `Commands:
  /help              show this help
  /status            connection, regime and position summary
  /strategies        list strategy instances and enable state
  /enable <name>     enable a strategy instance
  /disable <name>    disable a strategy instance
  /reload <name>     reload a strategy instance from config
  /discover          load newly enabled strategies from config
  /pnl               today's realized pnl
  /budgets           per-strategy budget headroom
  /metrics [symbol]  per-symbol performance, or one symbol's detail
  /trades [n] [symbol|winners|losers]...  recent closed trades (default 10)
  /export [trades|report]  write CSV reports now (default both)
  /quit              stop the bot`

// commandLoop reads operator commands line by line. EOF leaves the bot
// running headless; /quit shuts it down.
func (b *Bot) commandLoop(ctx context.Context, in io.Reader, out io.Writer, reportDir string) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			fmt.Fprintln(out, "Shutting down")
			return context.Canceled
		}
		b.handleCommand(line, out, reportDir)
	}
	return scanner.Err()
}

func (b *Bot) handleCommand(line string, out io.Writer, reportDir string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Fprintln(out, helpText)

	case "/status":
		b.printStatus(out)

	case "/strategies":
		for _, st := range b.registry.Status() {
			state := "disabled"
			if st.Enabled {
				state = "enabled"
			}
			fmt.Fprintf(out, "%-20s %-12s v%-8s %s (%s)\n", st.Name, st.Type, st.Version, state, st.Description)
		}

	case "/enable", "/disable", "/reload":
		if len(args) != 1 {
			fmt.Fprintf(out, "usage: %s <name>\n", cmd)
			return
		}
		var err error
		switch cmd {
		case "/enable":
			err = b.registry.Enable(args[0])
		case "/disable":
			err = b.registry.Disable(args[0])
		case "/reload":
			err = b.registry.Reload(args[0])
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		fmt.Fprintf(out, "ok: %s %s\n", strings.TrimPrefix(cmd, "/"), args[0])

	case "/discover":
		added := b.registry.Discover()
		if len(added) == 0 {
			fmt.Fprintln(out, "nothing new to load")
			return
		}
		fmt.Fprintf(out, "loaded: %s\n", strings.Join(added, ", "))

	case "/pnl":
		pnl, err := b.store.GetDailyPnL(time.Now())
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		fmt.Fprintf(out, "realized pnl today: %+.2f\n", pnl)

	case "/budgets":
		budgets, err := b.store.GetAllBudgets()
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		for _, bud := range budgets {
			fmt.Fprintf(out, "%-20s budget %9.2f committed %9.2f drawdown %9.2f available %9.2f\n",
				bud.Strategy, bud.Budget, bud.Committed, bud.Drawdown, bud.Available())
		}

	case "/metrics":
		perf, err := b.store.GetSymbolPerformance()
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		symbols := make([]string, 0, len(perf))
		for symbol := range perf {
			if len(args) == 1 && !strings.EqualFold(symbol, args[0]) {
				continue
			}
			symbols = append(symbols, symbol)
		}
		if len(symbols) == 0 {
			fmt.Fprintln(out, "no closed trades yet")
			return
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			p := perf[symbol]
			fmt.Fprintf(out, "%-6s trades %3d  win rate %5.1f%%  pnl %+9.2f  avg %+8.2f  best %+8.2f  worst %+8.2f\n",
				symbol, p.Trades, p.WinRate*100, p.TotalPnL, p.AvgPnL, p.BestTrade, p.WorstTrade)
		}

	case "/trades":
		filter := storage.HistoryFilter{Limit: 10, IncludeAdministrative: true}
		for _, arg := range args {
			if n, err := strconv.Atoi(arg); err == nil {
				if n < 1 {
					fmt.Fprintln(out, "usage: /trades [n] [symbol|winners|losers]...")
					return
				}
				filter.Limit = n
				continue
			}
			switch strings.ToLower(arg) {
			case "winners":
				filter.Winners = true
				filter.IncludeAdministrative = false
			case "losers":
				filter.Losers = true
				filter.IncludeAdministrative = false
			default:
				filter.Symbol = strings.ToUpper(arg)
			}
		}
		trades, err := b.store.GetTradeHistoryFiltered(filter)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		for _, tr := range trades {
			fmt.Fprintf(out, "%s %-20s %-10s x%d %7.2f -> %7.2f %+9.2f %s\n",
				tr.ExitTime.Format("01-02 15:04"), tr.Contract.LocalSymbol, tr.Strategy,
				tr.Quantity, tr.EntryPrice, tr.ExitPrice, tr.PnL, tr.ExitReason)
		}

	case "/export":
		var written []string
		var err error
		switch {
		case len(args) == 0:
			written, err = b.reporter.ExportAll(reportDir)
		case args[0] == "trades":
			written, err = b.reporter.ExportTrades(reportDir)
		case args[0] == "report":
			written, err = b.reporter.ExportReport(reportDir)
		default:
			fmt.Fprintln(out, "usage: /export [trades|report]")
			return
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		for _, path := range written {
			fmt.Fprintln(out, path)
		}

	default:
		fmt.Fprintf(out, "unknown command %q, try /help\n", cmd)
	}
}

func (b *Bot) printStatus(out io.Writer) {
	connected := b.broker.IsConnected()
	fmt.Fprintf(out, "connected: %v\n", connected)
	fmt.Fprintf(out, "regime: %s (vix slope %+.3f)\n", b.market.Regime(), b.market.VIXSlope())
	if value, err := b.broker.GetAccountValue(broker.AccountValueNetLiquidation); err == nil {
		fmt.Fprintf(out, "account: %.2f\n", value)
	}

	open := b.engine.OpenPositions()
	fmt.Fprintf(out, "open positions: %d\n", len(open))
	for _, p := range open {
		fmt.Fprintf(out, "  %-20s %-10s x%d entry %.2f peak %.2f (%s)\n",
			p.Contract.LocalSymbol, p.Strategy, p.Quantity, p.EntryPrice, p.PeakPrice, p.OrderRef)
	}
	pending := b.engine.PendingOrders()
	fmt.Fprintf(out, "pending orders: %d\n", len(pending))
	for _, p := range pending {
		fmt.Fprintf(out, "  %-20s %-10s x%d limit %.2f (%s)\n",
			p.Contract.LocalSymbol, p.Strategy, p.Quantity, p.EntryPrice, p.OrderRef)
	}
}
