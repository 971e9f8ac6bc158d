package ledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      string
		client    bool
		retryable bool
		notFound  bool
	}{
		{"duplicate close", &ledger.DuplicateCloseError{CustomerID: 1, SeasonID: 2, EventID: "e"}, ledger.KindDuplicateClose, true, false, false},
		{"wrapped invalid amount", fmt.Errorf("total: %w", money.ErrInvalidAmount), ledger.KindInvalidAmount, true, false, false},
		{"gift details", ledger.ErrGiftDetailsRequired, ledger.KindGiftDetailsRequired, true, false, false},
		{"gift units", ledger.ErrGiftUnitsMismatch, ledger.KindGiftUnitsMismatch, true, false, false},
		{"close conflict", &ledger.CloseConflictError{CustomerID: 1, SeasonID: 2, Attempts: 5}, ledger.KindCloseConflict, false, true, false},
		{"concurrent modification", ledger.ErrConcurrentModification, ledger.KindConcurrentModification, false, true, false},
		{"unknown event", ledger.ErrEventNotFound, ledger.KindNotFound, false, false, true},
		{"inconsistent state", &ledger.InconsistentLedgerStateError{CustomerID: 1}, ledger.KindInconsistentLedgerState, false, false, false},
		{"debt lookup", &ledger.DebtLookupError{CustomerID: 1, SeasonID: 2, Err: errors.New("down")}, ledger.KindDebtLookupFailed, false, false, false},
		{"plain", errors.New("boom"), ledger.KindInternal, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, ledger.Kind(tt.err))
			assert.Equal(t, tt.client, ledger.IsClientError(tt.err))
			assert.Equal(t, tt.retryable, ledger.IsRetryable(tt.err))
			assert.Equal(t, tt.notFound, ledger.IsNotFound(tt.err))
		})
	}
}
