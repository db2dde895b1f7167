package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/depthtrader/internal/models"
)

// PaperBroker is an in-memory Broker used for paper trading and tests.
// Market data is seeded by the caller; bracket entries fill immediately at
// their limit price and the stop/target children stay working until one is
// cancelled or the position is closed.
type PaperBroker struct {
	mu        sync.Mutex
	quotes    map[string]Quote
	depth     map[string]DepthSnapshot
	bars      map[string][]models.Bar // keyed by symbol|barSize
	strikes   map[string][]float64    // keyed by symbol|expiration
	exps      map[string][]string
	industry  map[string]string
	orders    map[string]*OrderState
	portfolio map[int64]PortfolioItem
	account   float64
	nextID    int
	nextConID int64
	connected bool

	// FillEntries controls whether new bracket entries fill immediately.
	FillEntries bool
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a connected paper broker with the given account value.
func NewPaperBroker(accountValue float64) *PaperBroker {
	return &PaperBroker{
		quotes:      make(map[string]Quote),
		depth:       make(map[string]DepthSnapshot),
		bars:        make(map[string][]models.Bar),
		strikes:     make(map[string][]float64),
		exps:        make(map[string][]string),
		industry:    make(map[string]string),
		orders:      make(map[string]*OrderState),
		portfolio:   make(map[int64]PortfolioItem),
		account:     accountValue,
		nextConID:   1000,
		connected:   true,
		FillEntries: true,
	}
}

// SetQuote seeds the quote for a symbol.
func (p *PaperBroker) SetQuote(symbol string, q Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = q
}

// SetDepth seeds the depth snapshot for a symbol.
func (p *PaperBroker) SetDepth(symbol string, d DepthSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth[symbol] = d
}

// SetBars seeds historical bars for a symbol and bar size.
func (p *PaperBroker) SetBars(symbol, barSize string, bars []models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol+"|"+barSize] = bars
}

// SetChain seeds expirations and strikes for a symbol.
func (p *PaperBroker) SetChain(symbol string, expirations []string, strikes []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exps[symbol] = expirations
	for _, e := range expirations {
		p.strikes[symbol+"|"+e] = strikes
	}
}

// SetIndustry seeds the industry string for a symbol.
func (p *PaperBroker) SetIndustry(symbol, industry string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.industry[symbol] = industry
}

// SetConnected toggles the simulated socket state.
func (p *PaperBroker) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// SetOrderState overrides an order's state, for simulating partial fills
// and external cancels.
func (p *PaperBroker) SetOrderState(orderID string, st OrderState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[orderID] = &st
}

// RemoveFromPortfolio simulates a manual close at the broker.
func (p *PaperBroker) RemoveFromPortfolio(conID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.portfolio, conID)
}

// GetQuote returns the seeded quote, or an error when none exists.
func (p *PaperBroker) GetQuote(symbol string) (*Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no quote for %s", symbol)
	}
	return &q, nil
}

// GetDepth returns the seeded depth snapshot.
func (p *PaperBroker) GetDepth(symbol string, levels int) (*DepthSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.depth[symbol]
	if !ok {
		return &DepthSnapshot{}, nil
	}
	snap := d
	if levels > 0 {
		if len(snap.Bids) > levels {
			snap.Bids = snap.Bids[:levels]
		}
		if len(snap.Asks) > levels {
			snap.Asks = snap.Asks[:levels]
		}
	}
	return &snap, nil
}

// GetHistoricalBars returns the seeded bars for symbol and bar size.
func (p *PaperBroker) GetHistoricalBars(symbol string, req BarRequest) ([]models.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars, ok := p.bars[symbol+"|"+req.BarSize]
	if !ok {
		return nil, fmt.Errorf("paper: no bars for %s %s", symbol, req.BarSize)
	}
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// GetOptionExpirations returns seeded expirations within the DTE window.
func (p *PaperBroker) GetOptionExpirations(symbol string, minDays, maxDays int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []string
	for _, e := range p.exps[symbol] {
		d := DaysUntil(e, now)
		if d >= minDays && d <= maxDays {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetStrikes returns the seeded strike list for the expiration.
func (p *PaperBroker) GetStrikes(symbol, expiration string) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.strikes[symbol+"|"+expiration]
	if !ok {
		return nil, fmt.Errorf("paper: no chain for %s %s", symbol, expiration)
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out, nil
}

// QualifyOption succeeds for any strike present in the seeded chain.
func (p *PaperBroker) QualifyOption(symbol, expiration string, strike float64, right models.Right, quiet bool) (*models.OptionContract, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.strikes[symbol+"|"+expiration] {
		if s == strike {
			exp, err := time.ParseInLocation("2006-01-02", expiration, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("paper: bad expiration %q: %w", expiration, err)
			}
			p.nextConID++
			c := &models.OptionContract{
				Symbol: symbol,
				ConID:  p.nextConID,
				Strike: strike,
				Expiry: exp,
				Right:  right,
			}
			c.LocalSymbol = c.OCC()
			return c, nil
		}
	}
	if quiet {
		return nil, nil
	}
	return nil, fmt.Errorf("paper: no contract %s %s %.2f%s", symbol, expiration, strike, right)
}

// PlaceBracketOrder places an entry with attached stop/target children.
// With FillEntries set the entry fills immediately at its limit and the
// contract lands in the portfolio.
func (p *PaperBroker) PlaceBracketOrder(contract models.OptionContract, qty int, entry, stop, target float64, tif, ref string) (*BracketHandles, error) {
	if qty < 1 {
		return nil, fmt.Errorf("paper: quantity %d below 1", qty)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("paper: not connected")
	}

	handles := &BracketHandles{
		Entry:  p.newOrderID(),
		Stop:   p.newOrderID(),
		Target: p.newOrderID(),
	}

	entryState := &OrderState{Status: StatusSubmitted, Remaining: float64(qty)}
	if p.FillEntries {
		entryState = &OrderState{Status: StatusFilled, Filled: float64(qty), AvgFillPrice: entry}
		item := p.portfolio[contract.ConID]
		item.ConID = contract.ConID
		item.Symbol = contract.LocalSymbol
		item.Quantity += float64(qty)
		item.AvgCost = entry * models.ContractMultiplier
		p.portfolio[contract.ConID] = item
		p.quotes[contract.LocalSymbol] = Quote{Bid: entry, Ask: entry, Last: entry}
	}
	p.orders[handles.Entry] = entryState
	p.orders[handles.Stop] = &OrderState{Status: StatusSubmitted, Remaining: float64(qty)}
	p.orders[handles.Target] = &OrderState{Status: StatusSubmitted, Remaining: float64(qty)}

	return handles, nil
}

// PlaceCloseOrder fills immediately at the limit and removes the contract
// from the portfolio.
func (p *PaperBroker) PlaceCloseOrder(contract models.OptionContract, qty int, limit float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", fmt.Errorf("paper: not connected")
	}
	id := p.newOrderID()
	p.orders[id] = &OrderState{Status: StatusFilled, Filled: float64(qty), AvgFillPrice: limit}

	item, ok := p.portfolio[contract.ConID]
	if ok {
		item.Quantity -= float64(qty)
		if item.Quantity <= 0 {
			delete(p.portfolio, contract.ConID)
		} else {
			p.portfolio[contract.ConID] = item
		}
	}
	return id, nil
}

// GetOrderStatus returns the current simulated order state.
func (p *PaperBroker) GetOrderStatus(orderID string) (*OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", orderID)
	}
	cp := *st
	return &cp, nil
}

// CancelOrder moves a working order to Cancelled.
func (p *PaperBroker) CancelOrder(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if !st.Status.Terminal() {
		st.Status = StatusCancelled
	}
	return nil
}

// GetPortfolio returns the simulated portfolio.
func (p *PaperBroker) GetPortfolio() ([]PortfolioItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("paper: not connected")
	}
	out := make([]PortfolioItem, 0, len(p.portfolio))
	for _, item := range p.portfolio {
		out = append(out, item)
	}
	return out, nil
}

// GetAccountValue returns the seeded account value for any tag.
func (p *PaperBroker) GetAccountValue(tag string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return 0, fmt.Errorf("paper: not connected")
	}
	return p.account, nil
}

// GetIndustry returns the seeded industry string.
func (p *PaperBroker) GetIndustry(symbol string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ind, ok := p.industry[symbol]
	if !ok {
		return "", nil
	}
	return ind, nil
}

// IsConnected reports the simulated socket state.
func (p *PaperBroker) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *PaperBroker) newOrderID() string {
	p.nextID++
	return fmt.Sprintf("paper-%d", p.nextID)
}

// String describes the broker for status output.
func (p *PaperBroker) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "paper broker: $%.2f account, %d portfolio items", p.account, len(p.portfolio))
	return sb.String()
}
