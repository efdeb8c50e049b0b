package payout

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/quattrex/settlement-service/internal/domain"
)

// Strategy orders eligible traders; the distributor tries them in order.
type Strategy interface {
	Name() string
	Order(traders []domain.TraderAccount, now time.Time) []domain.TraderAccount
}

// LeastRecentlyAssigned prefers traders who waited longest since their last
// assignment. Traders never assigned come first.
type LeastRecentlyAssigned struct{}

func (LeastRecentlyAssigned) Name() string { return "least_recent" }

func (LeastRecentlyAssigned) Order(traders []domain.TraderAccount, now time.Time) []domain.TraderAccount {
	out := make([]domain.TraderAccount, len(traders))
	copy(out, traders)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastAssignedAt, out[j].LastAssignedAt
		switch {
		case a == nil && b == nil:
			return out[i].ID.String() < out[j].ID.String()
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return out[i].ID.String() < out[j].ID.String()
		}
	})
	return out
}

// RandomOrder shuffles eligible traders.
type RandomOrder struct{}

func (RandomOrder) Name() string { return "random" }

func (RandomOrder) Order(traders []domain.TraderAccount, now time.Time) []domain.TraderAccount {
	out := make([]domain.TraderAccount, len(traders))
	copy(out, traders)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "least_recent", "least_recently_assigned":
		return LeastRecentlyAssigned{}, nil
	case "random":
		return RandomOrder{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}
