package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount 金額必須為正數 (或初始餘額不得為負)，且最多兩位小數
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWouldGoNegative 套用異動後餘額會小於 0 (store 層的最後防線)
	ErrWouldGoNegative = errors.New("balance would go negative")

	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAccountType 帳戶類型錯誤
	ErrInvalidAccountType = errors.New("invalid account type")

	// ErrSameAccount 轉出與轉入帳戶相同
	ErrSameAccount = errors.New("from and to account are the same")

	// ErrConflict 無法在時限內取得帳戶鎖，或資料庫回報 deadlock
	ErrConflict = errors.New("conflict")

	// ErrLockTimeout 等待帳戶鎖逾時
	ErrLockTimeout = fmt.Errorf("%w: lock wait timeout", ErrConflict)

	// ErrStorageFailure 底層儲存 (WAL / DB) 寫入失敗，交易已整筆回滾
	ErrStorageFailure = errors.New("storage failure")
)

// Outcome 回傳操作的終止狀態，供 log 使用
//
//	committed: 成功提交
//	rejected:  驗證失敗，沒有任何副作用
//	aborted:   套用中途因衝突、逾時或儲存失敗而整筆丟棄
func Outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrWouldGoNegative),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInvalidAccountType),
		errors.Is(err, ErrSameAccount):
		return "rejected"
	default:
		return "aborted"
	}
}
