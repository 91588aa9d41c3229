package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// entryKind WAL 紀錄類型
type entryKind uint8

const (
	// 開戶
	entryKindOpen entryKind = 1
	// 已提交的交易單位 (餘額 + 交易紀錄)
	entryKindPosting entryKind = 2
)

// walEntry 一筆 WAL 紀錄
// posting 寫入的是異動後的餘額 (而不是 delta)，重放時直接覆蓋即可
type walEntry struct {
	Kind         entryKind
	Account      *domain.Account
	Balances     []balanceChange
	Transactions []*domain.Transaction
}

type balanceChange struct {
	AccountID int64
	Balance   domain.Amount
}

var errUnknownEntry = errors.New("unknown wal entry")

// 欄位編號 (protobuf wire format)
const (
	fieldEntryKind        protowire.Number = 1
	fieldEntryAccount     protowire.Number = 2
	fieldEntryBalance     protowire.Number = 3
	fieldEntryTransaction protowire.Number = 4

	fieldAccountID       protowire.Number = 1
	fieldAccountCustomer protowire.Number = 2
	fieldAccountBranch   protowire.Number = 3
	fieldAccountType     protowire.Number = 4
	fieldAccountBalance  protowire.Number = 5
	fieldAccountOpenedAt protowire.Number = 6

	fieldBalanceAccountID protowire.Number = 1
	fieldBalanceAmount    protowire.Number = 2

	fieldTranID           protowire.Number = 1
	fieldTranAccountID    protowire.Number = 2
	fieldTranCounterparty protowire.Number = 3
	fieldTranAmount       protowire.Number = 4
	fieldTranType         protowire.Number = 5
	fieldTranCreatedAt    protowire.Number = 6
	fieldTranRemark       protowire.Number = 7
	fieldTranRefID        protowire.Number = 8
)

// encodeEntry 以 protobuf wire format 編碼，比 JSON 小很多
func encodeEntry(entry *walEntry) []byte {
	b := appendInt(nil, fieldEntryKind, int64(entry.Kind))
	if entry.Account != nil {
		b = protowire.AppendTag(b, fieldEntryAccount, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAccount(entry.Account))
	}
	for _, change := range entry.Balances {
		var nested []byte
		nested = appendInt(nested, fieldBalanceAccountID, change.AccountID)
		nested = appendInt(nested, fieldBalanceAmount, int64(change.Balance))
		b = protowire.AppendTag(b, fieldEntryBalance, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}
	for _, tran := range entry.Transactions {
		b = protowire.AppendTag(b, fieldEntryTransaction, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTransaction(tran))
	}
	return b
}

func encodeAccount(account *domain.Account) []byte {
	var b []byte
	b = appendInt(b, fieldAccountID, account.ID)
	b = appendInt(b, fieldAccountCustomer, account.CustomerID)
	b = appendInt(b, fieldAccountBranch, account.BranchID)
	b = appendInt(b, fieldAccountType, int64(account.Type))
	b = appendInt(b, fieldAccountBalance, int64(account.Balance))
	b = appendInt(b, fieldAccountOpenedAt, account.OpenedAt.UnixNano())
	return b
}

func encodeTransaction(tran *domain.Transaction) []byte {
	var b []byte
	b = appendInt(b, fieldTranID, tran.ID)
	b = appendInt(b, fieldTranAccountID, tran.AccountID)
	b = appendInt(b, fieldTranCounterparty, tran.CounterpartyID)
	b = appendInt(b, fieldTranAmount, int64(tran.Amount))
	b = appendInt(b, fieldTranType, int64(tran.Type))
	b = appendInt(b, fieldTranCreatedAt, tran.CreatedAt.UnixNano())
	b = protowire.AppendTag(b, fieldTranRemark, protowire.BytesType)
	b = protowire.AppendString(b, tran.Remark)
	b = protowire.AppendTag(b, fieldTranRefID, protowire.BytesType)
	b = protowire.AppendBytes(b, tran.RefID[:])
	return b
}

// appendInt 有號整數使用 zigzag 編碼
func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func decodeEntry(b []byte) (*walEntry, error) {
	entry := &walEntry{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEntryKind && typ == protowire.VarintType:
			v, n := consumeInt(b)
			entry.Kind = entryKind(v)
			return n, nil
		case num == fieldEntryAccount && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			account, err := decodeAccount(raw)
			entry.Account = account
			return n, err
		case num == fieldEntryBalance && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			change, err := decodeBalance(raw)
			entry.Balances = append(entry.Balances, change)
			return n, err
		case num == fieldEntryTransaction && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			tran, err := decodeTransaction(raw)
			entry.Transactions = append(entry.Transactions, tran)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	if entry.Kind != entryKindOpen && entry.Kind != entryKindPosting {
		return nil, fmt.Errorf("%w: kind %d", errUnknownEntry, entry.Kind)
	}
	if entry.Kind == entryKindOpen && entry.Account == nil {
		return nil, fmt.Errorf("%w: open entry without account", errUnknownEntry)
	}
	return entry, nil
}

func decodeAccount(b []byte) (*domain.Account, error) {
	account := &domain.Account{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := consumeInt(b)
		switch num {
		case fieldAccountID:
			account.ID = v
		case fieldAccountCustomer:
			account.CustomerID = v
		case fieldAccountBranch:
			account.BranchID = v
		case fieldAccountType:
			account.Type = domain.AccountType(v)
		case fieldAccountBalance:
			account.Balance = domain.Amount(v)
		case fieldAccountOpenedAt:
			account.OpenedAt = time.Unix(0, v)
		}
		return n, nil
	})
	return account, err
}

func decodeBalance(b []byte) (balanceChange, error) {
	var change balanceChange
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := consumeInt(b)
		switch num {
		case fieldBalanceAccountID:
			change.AccountID = v
		case fieldBalanceAmount:
			change.Balance = domain.Amount(v)
		}
		return n, nil
	})
	return change, err
}

func decodeTransaction(b []byte) (*domain.Transaction, error) {
	tran := &domain.Transaction{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTranRemark && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			tran.Remark = v
			return n, nil
		case num == fieldTranRefID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			refID, err := uuid.FromBytes(v)
			tran.RefID = refID
			return n, err
		case typ == protowire.VarintType:
			v, n := consumeInt(b)
			switch num {
			case fieldTranID:
				tran.ID = v
			case fieldTranAccountID:
				tran.AccountID = v
			case fieldTranCounterparty:
				tran.CounterpartyID = v
			case fieldTranAmount:
				tran.Amount = domain.Amount(v)
			case fieldTranType:
				tran.Type = domain.TransactionType(v)
			case fieldTranCreatedAt:
				tran.CreatedAt = time.Unix(0, v)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return tran, err
}

func consumeInt(b []byte) (int64, int) {
	v, n := protowire.ConsumeVarint(b)
	return protowire.DecodeZigZag(v), n
}

// decodeFields 逐一走訪欄位，fn 回傳該欄位 value 所佔的 bytes 數 (負數代表解析錯誤)
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
