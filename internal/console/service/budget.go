package service

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/budget"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

var ErrUnknownBackend = errors.New("unknown backend")

// Ledger exposes operator controls of the spend ledger. *budget.Ledger implements it.
type Ledger interface {
	Snapshot() []budget.Window
	SetCap(backendID string, capAmount float64) (budget.Window, error)
	Reset(backendID string) budget.Window
}

type BudgetService struct {
	ledger Ledger
	rules  *rules.Store
	logger *zap.Logger
}

func NewBudgetService(ledger Ledger, store *rules.Store, logger *zap.Logger) *BudgetService {
	return &BudgetService{ledger: ledger, rules: store, logger: logger.Named("budget-service")}
}

func (s *BudgetService) Windows() []budget.Window {
	return s.ledger.Snapshot()
}

func (s *BudgetService) SetCap(backendID string, capAmount float64) (budget.Window, error) {
	if !s.known(backendID) {
		return budget.Window{}, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	w, err := s.ledger.SetCap(backendID, capAmount)
	if err != nil {
		return budget.Window{}, err
	}
	s.logger.Info("budget cap changed", zap.String("backend_id", backendID), zap.Float64("cap", capAmount))
	return w, nil
}

func (s *BudgetService) Reset(backendID string) (budget.Window, error) {
	if !s.known(backendID) {
		return budget.Window{}, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	w := s.ledger.Reset(backendID)
	s.logger.Info("budget window reset", zap.String("backend_id", backendID))
	return w, nil
}

// known accepts the global window and every backend of the current rule table.
func (s *BudgetService) known(backendID string) bool {
	if backendID == budget.GlobalWindow {
		return true
	}
	_, ok := s.rules.Current().Backend(backendID)
	return ok
}
