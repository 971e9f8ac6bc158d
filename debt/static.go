package debt

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

// Seed is the YAML layout of a Static source:
//
//	customers:
//	  - id: 1
//	    name: Nguyễn Văn An
//	seasons:
//	  - id: 3
//	    name: Đông Xuân 2024-2025
//	debts:
//	  - customer: 1
//	    season: 3
//	    amount: 45000000
type Seed struct {
	Customers []SeedName `yaml:"customers"`
	Seasons   []SeedName `yaml:"seasons"`
	Debts     []SeedDebt `yaml:"debts"`
}

type SeedName struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

type SeedDebt struct {
	Customer int64  `yaml:"customer"`
	Season   int64  `yaml:"season"`
	Amount   string `yaml:"amount"`
}

type seasonKey struct {
	customer ledger.CustomerID
	season   ledger.SeasonID
}

// Static serves debts and names from memory. A season with no recorded debt
// owes zero.
type Static struct {
	mu        sync.RWMutex
	customers map[ledger.CustomerID]string
	seasons   map[ledger.SeasonID]string
	debts     map[seasonKey]money.Amount
}

var (
	_ ledger.DebtSource = (*Static)(nil)
	_ ledger.Directory  = (*Static)(nil)
)

func NewStatic() *Static {
	return &Static{
		customers: make(map[ledger.CustomerID]string),
		seasons:   make(map[ledger.SeasonID]string),
		debts:     make(map[seasonKey]money.Amount),
	}
}

// LoadStatic reads a Seed from a YAML file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading debt seed %s: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing debt seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed builds a Static from an already decoded Seed.
func FromSeed(seed Seed) (*Static, error) {
	s := NewStatic()
	for _, c := range seed.Customers {
		s.SetCustomer(ledger.CustomerID(c.ID), c.Name)
	}
	for _, season := range seed.Seasons {
		s.SetSeason(ledger.SeasonID(season.ID), season.Name)
	}
	for i, d := range seed.Debts {
		amount, err := money.Parse(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("debt seed entry %d: %w", i, err)
		}
		s.SetDebt(ledger.CustomerID(d.Customer), ledger.SeasonID(d.Season), amount)
	}
	return s, nil
}

func (s *Static) SetCustomer(id ledger.CustomerID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[id] = name
}

func (s *Static) SetSeason(id ledger.SeasonID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seasons[id] = name
}

func (s *Static) SetDebt(customerID ledger.CustomerID, seasonID ledger.SeasonID, amount money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debts[seasonKey{customerID, seasonID}] = amount
}

func (s *Static) SeasonDebt(_ context.Context, customerID ledger.CustomerID, seasonID ledger.SeasonID) (money.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if amount, ok := s.debts[seasonKey{customerID, seasonID}]; ok {
		return amount, nil
	}
	return money.Zero, nil
}

func (s *Static) CustomerName(_ context.Context, id ledger.CustomerID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.customers[id]
	if !ok {
		return "", fmt.Errorf("customer %s: %w", id, ErrUnknown)
	}
	return name, nil
}

func (s *Static) SeasonName(_ context.Context, id ledger.SeasonID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.seasons[id]
	if !ok {
		return "", fmt.Errorf("season %s: %w", id, ErrUnknown)
	}
	return name, nil
}
