package service

import (
	"context"
	"sync"

	"github.com/vox-trader/agent-core/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const recentTradesLimit = 10

// AgentStatusReader exposes the agent snapshot of a user
type AgentStatusReader interface {
	Status(ctx context.Context, userID uint) (*models.AgentStatus, error)
}

// Dashboard is the merged agent + account view polled by the client.
// A section whose source failed is nil and named in Unavailable.
type Dashboard struct {
	MarketType   models.MarketType      `json:"market_type"`
	Agent        *models.AgentStatus    `json:"agent"`
	Account      *models.AccountSummary `json:"account"`
	RecentTrades []models.TradeRecord   `json:"recent_trades"`
	Unavailable  []string               `json:"unavailable"`
}

// StatusService projects the agent, ledger and trade history into one payload
type StatusService struct {
	agents AgentStatusReader
	ledger *LedgerService
	log    *zap.Logger
}

// NewStatusService creates a new StatusService
func NewStatusService(agents AgentStatusReader, ledger *LedgerService, log *zap.Logger) *StatusService {
	return &StatusService{agents: agents, ledger: ledger, log: log.Named("status")}
}

// Project gathers every section concurrently; it never fails as a whole
func (s *StatusService) Project(ctx context.Context, userID uint, market models.MarketType) *Dashboard {
	d := &Dashboard{MarketType: market, Unavailable: []string{}}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	fail := func(section string, err error) {
		s.log.Warn("dashboard section unavailable",
			zap.Uint("user_id", userID), zap.String("section", section), zap.Error(err))
		mu.Lock()
		d.Unavailable = append(d.Unavailable, section)
		mu.Unlock()
	}

	g.Go(func() error {
		status, err := s.agents.Status(ctx, userID)
		if err != nil {
			fail("agent", err)
			return nil
		}
		mu.Lock()
		d.Agent = status
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		summary, err := s.ledger.Summary(ctx, userID, market)
		if err != nil {
			fail("account", err)
			return nil
		}
		mu.Lock()
		d.Account = summary
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		trades, err := s.ledger.GetTrades(ctx, userID, market, recentTradesLimit)
		if err != nil {
			fail("recent_trades", err)
			return nil
		}
		mu.Lock()
		d.RecentTrades = trades
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	return d
}
