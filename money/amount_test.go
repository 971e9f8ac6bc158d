package money_test

import (
	"database/sql/driver"
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/agrimart/season-ledger/money"
)

func TestFromInt64_RejectsNegative(t *testing.T) {
	_, err := money.FromInt64(-1)
	require.Error(t, err)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	var invalid *money.InvalidAmountError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "negative", invalid.Reason)
}

func TestFromDecimal_RejectsFraction(t *testing.T) {
	_, err := money.FromDecimal(decimal.RequireFromString("10.5"))
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0", want: "0"},
		{in: "60000000", want: "60000000"},
		{in: " 125000000 ", want: "125000000"},
		{in: "6e7", want: "60000000"},
		{in: "-5", wantErr: true},
		{in: "1.25", wantErr: true},
		{in: "60.000.000", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := money.Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, money.ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestSub_NegativeResultRejected(t *testing.T) {
	_, err := money.New(5).Sub(money.New(6))
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	got, err := money.New(6).Sub(money.New(5))
	require.NoError(t, err)
	assert.True(t, got.Equal(money.New(1)))
}

func TestQuoRem(t *testing.T) {
	threshold := money.New(60_000_000)

	q, r, err := money.New(125_000_000).QuoRem(threshold)
	require.NoError(t, err)
	assert.Equal(t, int64(2), q)
	assert.True(t, r.Equal(money.New(5_000_000)))

	q, r, err = money.New(59_999_999).QuoRem(threshold)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q)
	assert.True(t, r.Equal(money.New(59_999_999)))

	_, _, err = money.New(1).QuoRem(money.Zero)
	assert.ErrorIs(t, err, money.ErrDivisionByZero)
}

func TestRepeatedAdditionIsExact(t *testing.T) {
	// GIVEN: 1000 seasons of an amount that has no exact binary representation as a float ratio
	// THEN: the sum equals the product exactly
	step := money.New(33_333_333)
	total := money.Zero
	for i := 0; i < 1000; i++ {
		var err error
		total, err = total.Add(step)
		require.NoError(t, err)
	}
	want, err := step.MulInt(1000)
	require.NoError(t, err)
	assert.True(t, total.Equal(want), "got %s want %s", total, want)
}

func TestAmountsStopAtInt64(t *testing.T) {
	// GIVEN: the largest amount every store keeps exactly
	maxAmount, ok := money.Max.Int64()
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), maxAmount)

	// THEN: anything beyond it is rejected rather than rounded
	_, err := money.Parse("123456789012345678901")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
	_, err = money.Parse("9223372036854775808")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = money.Max.Add(money.New(1))
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
	_, err = money.Max.MulInt(2)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	var fromJSON money.Amount
	assert.ErrorIs(t, json.Unmarshal([]byte(`"123456789012345678901"`), &fromJSON), money.ErrInvalidAmount)

	sum, err := money.New(math.MaxInt64 - 1).Add(money.New(1))
	require.NoError(t, err)
	assert.True(t, sum.Equal(money.Max))
}

func TestJSON(t *testing.T) {
	out, err := json.Marshal(money.New(60_000_000))
	require.NoError(t, err)
	assert.JSONEq(t, `"60000000"`, string(out))

	var fromString, fromNumber money.Amount
	require.NoError(t, json.Unmarshal([]byte(`"125000000"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`125000000`), &fromNumber))
	assert.True(t, fromString.Equal(fromNumber))

	var bad money.Amount
	assert.ErrorIs(t, json.Unmarshal([]byte(`-3`), &bad), money.ErrInvalidAmount)
}

func TestSQLValueScan(t *testing.T) {
	v, err := money.New(42).Value()
	require.NoError(t, err)
	assert.Equal(t, driver.Value("42"), v)

	var a money.Amount
	require.NoError(t, a.Scan("42"))
	assert.True(t, a.Equal(money.New(42)))

	require.NoError(t, a.Scan(int64(7)))
	assert.True(t, a.Equal(money.New(7)))

	assert.ErrorIs(t, a.Scan("-1"), money.ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "60.000.000 ₫", money.New(60_000_000).Format(language.Vietnamese))
	assert.Equal(t, "60,000,000 ₫", money.New(60_000_000).Format(language.English))
}
