package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// amount 使用int64，並定義精度：小數點後 2 位 (最小貨幣單位)
const (
	CurrencyScale = 100
	// CurrencyDigits 小數位數
	CurrencyDigits = 2
)

// Amount 金額 (最小貨幣單位)，可為負數以表示餘額異動 (delta)
type Amount int64

// NewAmountFromInt 以整數貨幣單位建立金額，例如 NewAmountFromInt(1000) = 1000.00
func NewAmountFromInt(units int64) Amount {
	return Amount(units * CurrencyScale)
}

// NewAmountFromDecimal 由 decimal 轉換為 Amount
//
// 參數:
//
//	d: 金額，最多 2 位小數
//
// 回傳:
//
//	Amount: 最小貨幣單位金額
//	error: 超過精度或溢位時回傳 ErrInvalidAmount
func NewAmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.Exponent() < -CurrencyDigits && !d.Equal(d.Round(CurrencyDigits)) {
		return 0, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, CurrencyDigits)
	}
	minor := d.Shift(CurrencyDigits)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return Amount(minor.IntPart()), nil
}

// ParseAmount 解析字串金額 (例如 "2000", "12.50")
// NaN、Inf 與無法解析的字串都視為 ErrInvalidAmount
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return NewAmountFromDecimal(d)
}

// Decimal 轉為 decimal.Decimal
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -CurrencyDigits)
}

// String 固定輸出兩位小數
func (a Amount) String() string {
	return a.Decimal().StringFixed(CurrencyDigits)
}

// IsPositive 金額是否大於 0
func (a Amount) IsPositive() bool {
	return a > 0
}

// ValidatePositive 交易金額必須嚴格大於 0
func ValidatePositive(a Amount) error {
	if !a.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, a)
	}
	return nil
}

// ApplyDelta 計算套用異動後的新餘額，所有 store 在寫入前都必須經過這裡
//
// 參數:
//
//	balance: 目前餘額
//	delta: 異動金額 (正數入帳，負數扣款)
//
// 回傳:
//
//	Amount: 新餘額
//	error: ErrWouldGoNegative 或 ErrInvalidAmount (溢位)
func ApplyDelta(balance, delta Amount) (Amount, error) {
	if delta > 0 && balance > math.MaxInt64-delta {
		return balance, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	next := balance + delta
	if next < 0 {
		return balance, ErrWouldGoNegative
	}
	return next, nil
}
