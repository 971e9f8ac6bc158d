package debt_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/season-ledger/debt"
	"github.com/agrimart/season-ledger/money"
)

const seedYAML = `
customers:
  - id: 1
    name: Nguyễn Văn An
seasons:
  - id: 3
    name: Đông Xuân 2024-2025
debts:
  - customer: 1
    season: 3
    amount: 45000000
  - customer: 1
    season: 4
    amount: "60000000"
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "debts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadStatic(t *testing.T) {
	src, err := debt.LoadStatic(writeSeed(t, seedYAML))
	require.NoError(t, err)
	ctx := context.Background()

	amount, err := src.SeasonDebt(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, amount.Equal(money.New(45_000_000)))

	amount, err = src.SeasonDebt(ctx, 1, 4)
	require.NoError(t, err)
	assert.True(t, amount.Equal(money.New(60_000_000)))

	// No invoices that season.
	amount, err = src.SeasonDebt(ctx, 1, 99)
	require.NoError(t, err)
	assert.True(t, amount.IsZero())

	name, err := src.CustomerName(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Nguyễn Văn An", name)

	season, err := src.SeasonName(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Đông Xuân 2024-2025", season)

	_, err = src.SeasonName(ctx, 4)
	assert.ErrorIs(t, err, debt.ErrUnknown)
}

func TestLoadStatic_Errors(t *testing.T) {
	_, err := debt.LoadStatic(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = debt.LoadStatic(writeSeed(t, "debts: [oops"))
	assert.Error(t, err)

	_, err = debt.LoadStatic(writeSeed(t, "debts:\n  - customer: 1\n    season: 1\n    amount: -5\n"))
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestStatic_Set(t *testing.T) {
	src := debt.NewStatic()
	src.SetDebt(2, 1, money.New(10))
	src.SetCustomer(2, "Trần Thị Bình")

	amount, err := src.SeasonDebt(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.True(t, amount.Equal(money.New(10)))

	name, err := src.CustomerName(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Trần Thị Bình", name)
}
