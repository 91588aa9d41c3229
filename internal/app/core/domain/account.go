package domain

import (
	"fmt"
	"strings"
	"time"
)

// AccountType 帳戶類型
type AccountType uint8

const (
	// 活存 (儲蓄帳戶)
	AccountTypeSavings AccountType = 1
	// 支存 (活期帳戶)
	AccountTypeCurrent AccountType = 2
)

// String 回傳帳戶類型名稱
func (t AccountType) String() string {
	switch t {
	case AccountTypeSavings:
		return "Savings"
	case AccountTypeCurrent:
		return "Current"
	default:
		return fmt.Sprintf("AccountType(%d)", uint8(t))
	}
}

// Valid 是否為已知的帳戶類型
func (t AccountType) Valid() bool {
	return t == AccountTypeSavings || t == AccountTypeCurrent
}

// ParseAccountType 解析帳戶類型 (不分大小寫)
func ParseAccountType(s string) (AccountType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "savings":
		return AccountTypeSavings, nil
	case "current":
		return AccountTypeCurrent, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAccountType, s)
	}
}

// Account 帳戶
// Balance 只能透過 Ledger Engine 的存款/提款/轉帳異動
type Account struct {
	ID         int64
	CustomerID int64
	BranchID   int64
	Type       AccountType
	Balance    Amount
	OpenedAt   time.Time
}

// NewAccount 建立尚未分配 ID 的帳戶，ID 由 store 在開戶時指定
func NewAccount(customerID, branchID int64, accountType AccountType, balance Amount) (*Account, error) {
	if !accountType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccountType, accountType)
	}
	if balance < 0 {
		return nil, fmt.Errorf("%w: initial balance %s", ErrInvalidAmount, balance)
	}
	return &Account{
		CustomerID: customerID,
		BranchID:   branchID,
		Type:       accountType,
		Balance:    balance,
	}, nil
}

// Clone 回傳值拷貝，避免外部改寫 store 內部狀態
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}
