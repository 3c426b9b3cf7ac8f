package ledger

import (
	"sort"
	"strings"

	"github.com/rustyeddy/tradeguard/risk"
)

// Book is the set of open positions, at most one per asset.
type Book struct {
	positions map[string]risk.Position
}

func NewBook() *Book {
	return &Book{positions: make(map[string]risk.Position)}
}

func bookKey(asset string) string { return strings.ToUpper(asset) }

func (b *Book) Get(asset string) (risk.Position, bool) {
	p, ok := b.positions[bookKey(asset)]
	return p, ok
}

func (b *Book) Put(p risk.Position) {
	b.positions[bookKey(p.Asset)] = p
}

func (b *Book) Delete(asset string) {
	delete(b.positions, bookKey(asset))
}

func (b *Book) Len() int { return len(b.positions) }

// List returns the positions ordered by asset.
func (b *Book) List() []risk.Position {
	out := make([]risk.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (b *Book) Assets() []string {
	ps := b.List()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Asset
	}
	return out
}

func (b *Book) Clone() *Book {
	out := NewBook()
	for k, p := range b.positions {
		out.positions[k] = p
	}
	return out
}
