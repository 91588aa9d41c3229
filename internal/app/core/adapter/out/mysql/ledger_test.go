package mysql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm/schema"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "lock wait timeout", err: &driver.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, wantErr: domain.ErrLockTimeout},
		{name: "deadlock", err: &driver.MySQLError{Number: 1213, Message: "Deadlock found"}, wantErr: domain.ErrConflict},
		{name: "duplicate key", err: &driver.MySQLError{Number: 1062, Message: "Duplicate entry"}, wantErr: domain.ErrStorageFailure},
		{name: "wrapped deadlock", err: fmt.Errorf("exec: %w", &driver.MySQLError{Number: 1213}), wantErr: domain.ErrConflict},
		{name: "connection", err: errors.New("bad connection"), wantErr: domain.ErrStorageFailure},
		{name: "business error untouched", err: fmt.Errorf("%w: 1", domain.ErrInsufficientFunds), wantErr: domain.ErrInsufficientFunds},
		{name: "not found untouched", err: domain.ErrAccountNotFound, wantErr: domain.ErrAccountNotFound},
		{name: "context", err: context.Canceled, wantErr: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if !errors.Is(got, tt.wantErr) {
				t.Fatalf("classifyError(%v)=%v want %v", tt.err, got, tt.wantErr)
			}
		})
	}
	if classifyError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	// 業務錯誤不能被包成 StorageFailure
	if errors.Is(classifyError(domain.ErrSameAccount), domain.ErrStorageFailure) {
		t.Fatal("business error classified as storage failure")
	}
}

func TestLockWaitSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{in: 100 * time.Millisecond, want: 1},
		{in: 2 * time.Second, want: 2},
		{in: 2500 * time.Millisecond, want: 3},
	}
	for _, tt := range tests {
		if got := lockWaitSeconds(tt.in); got != tt.want {
			t.Fatalf("lockWaitSeconds(%s)=%d want %d", tt.in, got, tt.want)
		}
	}
}

func TestTransactionRowConversion(t *testing.T) {
	tran := &domain.Transaction{
		ID:             7,
		AccountID:      1,
		CounterpartyID: 2,
		Amount:         domain.NewAmountFromInt(3000),
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Remark:         "transfer to account 2",
		RefID:          uuid.New(),
		Type:           domain.TransactionTypeTransferOut,
	}
	row := toSQLTransaction(tran)
	got, err := row.toDomain()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *tran {
		t.Fatalf("got %+v want %+v", got, tran)
	}

	row.RefID = []byte{1, 2, 3}
	if _, err := row.toDomain(); !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("bad ref id err=%v want ErrStorageFailure", err)
	}
}

func TestGormUnitStagesBalances(t *testing.T) {
	unit := newGormUnit(nil, time.Now)
	unit.balances[1] = domain.NewAmountFromInt(10)

	if _, err := unit.ApplyDelta(1, -domain.NewAmountFromInt(11)); !errors.Is(err, domain.ErrWouldGoNegative) {
		t.Fatalf("err=%v want ErrWouldGoNegative", err)
	}
	if len(unit.dirty) != 0 {
		t.Fatal("failed delta must not mark the account dirty")
	}
	next, err := unit.ApplyDelta(1, -domain.NewAmountFromInt(4))
	if err != nil || next != domain.NewAmountFromInt(6) || !unit.dirty[1] {
		t.Fatalf("next=%s err=%v dirty=%v", next, err, unit.dirty)
	}
	if _, err := unit.GetBalance(2); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("err=%v want ErrAccountNotFound", err)
	}
}

func TestSchemaConstraints(t *testing.T) {
	cache := &sync.Map{}
	accounts, err := schema.Parse(&sqlAccount{}, cache, schema.NamingStrategy{})
	if err != nil {
		t.Fatal(err)
	}
	check, ok := accounts.ParseCheckConstraints()["chk_accounts_balance"]
	if !ok || check.Constraint != "balance >= 0" {
		t.Fatalf("balance check=%+v ok=%v", check, ok)
	}

	transactions, err := schema.Parse(&sqlTransaction{}, cache, schema.NamingStrategy{})
	if err != nil {
		t.Fatal(err)
	}
	rel, ok := transactions.Relationships.Relations["Account"]
	if !ok || rel.Type != schema.BelongsTo {
		t.Fatalf("account relation=%+v ok=%v", rel, ok)
	}
	constraint := rel.ParseConstraint()
	if constraint == nil {
		t.Fatal("no foreign key constraint on transactions.account_id")
	}
	if len(constraint.ForeignKeys) != 1 || constraint.ForeignKeys[0].DBName != "account_id" {
		t.Fatalf("foreign keys=%v", constraint.ForeignKeys)
	}
	if constraint.OnDelete != "RESTRICT" || constraint.OnUpdate != "RESTRICT" {
		t.Fatalf("on delete=%q on update=%q", constraint.OnDelete, constraint.OnUpdate)
	}
	// 寫入時不帶關聯，Create 不會嘗試 upsert accounts
	if row := toSQLTransaction(&domain.Transaction{AccountID: 1}); row.Account != nil {
		t.Fatal("transaction row must not carry the account association")
	}
}
