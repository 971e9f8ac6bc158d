package api

import (
	"errors"
	"net/http"

	"github.com/agrimart/season-ledger/ledger"
)

// KindInvalidRequest covers malformed paths, queries and bodies.
const KindInvalidRequest = "invalid_request"

var errInvalidRequest = errors.New("invalid request")

type errorMapping struct {
	status  int
	message string
}

// errorTable maps ledger error kinds to HTTP status and the message shown to
// shop staff.
var errorTable = map[string]errorMapping{
	KindInvalidRequest:                 {http.StatusBadRequest, "Yêu cầu không hợp lệ"},
	ledger.KindInvalidAmount:           {http.StatusBadRequest, "Số tiền không hợp lệ"},
	ledger.KindInvalidThreshold:        {http.StatusInternalServerError, "Ngưỡng thưởng cấu hình không hợp lệ"},
	ledger.KindInconsistentLedgerState: {http.StatusInternalServerError, "Dữ liệu tích lũy không nhất quán, cần kiểm tra thủ công"},
	ledger.KindDuplicateClose:          {http.StatusConflict, "Mùa vụ này đã được chốt sổ"},
	ledger.KindConcurrentModification:  {http.StatusConflict, "Dữ liệu vừa thay đổi, vui lòng thử lại"},
	ledger.KindCloseConflict:           {http.StatusConflict, "Dữ liệu vừa thay đổi, vui lòng thử lại"},
	ledger.KindGiftDetailsRequired:     {http.StatusBadRequest, "Vui lòng nhập thông tin quà tặng"},
	ledger.KindGiftUnitsMismatch:       {http.StatusBadRequest, "Vui lòng nhập thông tin quà tặng"},
	ledger.KindNotFound:                {http.StatusNotFound, "Không tìm thấy"},
	ledger.KindDebtLookupFailed:        {http.StatusBadGateway, "Không lấy được công nợ mùa vụ"},
	ledger.KindInternal:                {http.StatusInternalServerError, "Lỗi hệ thống"},
}

func errorKind(err error) string {
	if errors.Is(err, errInvalidRequest) {
		return KindInvalidRequest
	}
	return ledger.Kind(err)
}

// toErrorResponse classifies err and returns its HTTP status and body.
func toErrorResponse(err error) (int, ErrorResponse) {
	kind := errorKind(err)
	m, ok := errorTable[kind]
	if !ok {
		kind, m = ledger.KindInternal, errorTable[ledger.KindInternal]
	}
	return m.status, ErrorResponse{Error: kind, Message: m.message, Detail: err.Error()}
}
