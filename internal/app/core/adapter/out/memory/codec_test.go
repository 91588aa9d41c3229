package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

func TestEncodeDecodePosting(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 30, 0, 123, time.UTC)
	out, in := domain.NewTransferLegs(uuid.New(), 1, 2, 300000)
	out.ID, in.ID = 41, 42
	out.CreatedAt, in.CreatedAt = at, at

	entry := &walEntry{
		Kind:         entryKindPosting,
		Balances:     []balanceChange{{AccountID: 1, Balance: 850000}, {AccountID: 2, Balance: 1800000}},
		Transactions: []*domain.Transaction{out, in},
	}
	got, err := decodeEntry(encodeEntry(entry))
	if err != nil {
		t.Fatalf("decodeEntry err=%v", err)
	}
	if got.Kind != entryKindPosting || len(got.Balances) != 2 || len(got.Transactions) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Balances[1] != entry.Balances[1] {
		t.Fatalf("balance got %+v want %+v", got.Balances[1], entry.Balances[1])
	}
	tran := got.Transactions[0]
	if tran.ID != 41 || tran.AccountID != 1 || tran.CounterpartyID != 2 || tran.Amount != 300000 ||
		tran.Type != domain.TransactionTypeTransferOut || tran.RefID != out.RefID ||
		tran.Remark != out.Remark || !tran.CreatedAt.Equal(at) {
		t.Fatalf("transaction got %+v want %+v", tran, out)
	}
}

func TestDecodeEntrySkipsUnknownFields(t *testing.T) {
	account := &domain.Account{ID: 7, CustomerID: 3, BranchID: 2, Type: domain.AccountTypeCurrent, Balance: 100, OpenedAt: time.Unix(0, 99)}
	b := encodeEntry(&walEntry{Kind: entryKindOpen, Account: account})
	// 新版本可能多出來的欄位
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	got, err := decodeEntry(b)
	if err != nil {
		t.Fatalf("decodeEntry err=%v", err)
	}
	if *got.Account != *account {
		t.Fatalf("account got %+v want %+v", got.Account, account)
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	if _, err := decodeEntry([]byte{0xff}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := decodeEntry(appendInt(nil, fieldEntryKind, 9)); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
