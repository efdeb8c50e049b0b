package app

import (
	"fmt"
	"log/slog"

	"github.com/quattrex/settlement-service/internal/config"
	"github.com/quattrex/settlement-service/internal/payout"
)

// PayoutEngine bundles the payout components built from configuration.
type PayoutEngine struct {
	Distributor *payout.Distributor
	Lifecycle   *payout.Lifecycle
	Sweeper     *payout.Sweeper
}

// NewPayoutEngine wires the distributor, trader lifecycle and sweeper over
// one repository. bus carries both payout events and push messages.
func NewPayoutEngine(repo payout.Repository, bus *EventBus, cfg config.Config, logger *slog.Logger) (PayoutEngine, error) {
	policy, err := policyFromConfig(cfg)
	if err != nil {
		return PayoutEngine{}, err
	}
	strategy, err := payout.StrategyByName(cfg.SelectionStrategy)
	if err != nil {
		return PayoutEngine{}, err
	}

	distributor := payout.NewDistributor(repo, strategy, bus, policy, logger)
	return PayoutEngine{
		Distributor: distributor,
		Lifecycle:   payout.NewLifecycle(repo, distributor, bus, logger),
		Sweeper:     payout.NewSweeper(repo, distributor, bus, bus, policy, logger),
	}, nil
}

func policyFromConfig(cfg config.Config) (payout.Policy, error) {
	minDeposit, err := cfg.MinDepositAmount()
	if err != nil {
		return payout.Policy{}, fmt.Errorf("payout policy: %w", err)
	}
	return payout.Policy{
		MinDeposit:              minDeposit,
		DefaultAcceptanceWindow: cfg.AcceptanceWindow(),
		PoolWindow:              cfg.PoolWindow(),
		PushDelay:               cfg.PushDelay(),
		BacklogDwell:            cfg.BacklogDwell(),
		BacklogBatchSize:        cfg.BacklogBatchSize,
		SweepLimit:              cfg.SweepLimit,
	}, nil
}
