package broker

import "sync"

// DepthBook maintains a live depth-of-market book from incremental updates.
// Upstream protocols are known to emit position indexes beyond the
// advertised depth; the book grows its side vectors to cover any position
// rather than dropping the update.
type DepthBook struct {
	mu   sync.RWMutex
	bids []DepthLevel
	asks []DepthLevel
}

// Depth-update operations, matching the wire protocol.
const (
	DepthOpInsert = 0
	DepthOpUpdate = 1
	DepthOpDelete = 2
)

// NewDepthBook creates an empty book with capacity hints for both sides.
func NewDepthBook(levels int) *DepthBook {
	if levels <= 0 {
		levels = 10
	}
	return &DepthBook{
		bids: make([]DepthLevel, 0, levels),
		asks: make([]DepthLevel, 0, levels),
	}
}

// Apply folds one depth update into the book. side true means bid.
func (b *DepthBook) Apply(side bool, position int, operation int, price, size float64) {
	if position < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	levels := &b.asks
	if side {
		levels = &b.bids
	}

	// Extend to cover out-of-range positions.
	for position >= len(*levels) {
		*levels = append(*levels, DepthLevel{})
	}

	switch operation {
	case DepthOpInsert, DepthOpUpdate:
		(*levels)[position] = DepthLevel{Price: price, Size: size}
	case DepthOpDelete:
		*levels = append((*levels)[:position], (*levels)[position+1:]...)
	}
}

// Snapshot copies the current book, dropping empty placeholder levels.
func (b *DepthBook) Snapshot() *DepthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &DepthSnapshot{
		Bids: make([]DepthLevel, 0, len(b.bids)),
		Asks: make([]DepthLevel, 0, len(b.asks)),
	}
	for _, l := range b.bids {
		if l.Size > 0 {
			snap.Bids = append(snap.Bids, l)
		}
	}
	for _, l := range b.asks {
		if l.Size > 0 {
			snap.Asks = append(snap.Asks, l)
		}
	}
	return snap
}

// Reset clears both sides of the book.
func (b *DepthBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
}
