package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/config"
)

func TestRunStressConservesMoney(t *testing.T) {
	t.Setenv(config.BackendEnv, "")
	opts := options{total: 2000, concurrency: 32, accounts: 8, initial: 1000, maxAmount: 400, seed: 42}

	r, err := runStress(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Committed + r.Insufficient + r.Conflicts + r.Failed; got != int64(opts.total) {
		t.Fatalf("outcomes=%d want %d", got, opts.total)
	}
	if r.Committed == 0 {
		t.Fatal("no transfer committed")
	}
	if r.Failed != 0 {
		t.Fatalf("failed=%d", r.Failed)
	}
	// 轉帳預設不送稽核
	if r.Audits != 0 {
		t.Fatalf("audits=%d want 0", r.Audits)
	}

	var out bytes.Buffer
	printReport(&out, opts, r)
	if !strings.Contains(out.String(), "TPS:") {
		t.Fatalf("report %q", out.String())
	}
}

func TestRunStressRejectsBadOptions(t *testing.T) {
	t.Setenv(config.BackendEnv, "")
	valid := options{total: 10, concurrency: 2, accounts: 2, initial: 100, maxAmount: 10, seed: 1}
	tests := []struct {
		name   string
		modify func(*options)
		want   string
	}{
		{name: "no accounts", modify: func(o *options) { o.accounts = 0 }, want: "accounts"},
		{name: "single account", modify: func(o *options) { o.accounts = 1 }, want: "accounts"},
		{name: "zero concurrency", modify: func(o *options) { o.concurrency = 0 }, want: "concurrency"},
		{name: "negative total", modify: func(o *options) { o.total = -1 }, want: "total"},
		{name: "negative initial", modify: func(o *options) { o.initial = -5 }, want: "initial"},
		{name: "zero max amount", modify: func(o *options) { o.maxAmount = 0 }, want: "max amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.modify(&opts)
			r, err := runStress(context.Background(), opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("report=%+v err=%v want error mentioning %q", r, err, tt.want)
			}
		})
	}

	if _, err := runStress(context.Background(), valid); err != nil {
		t.Fatalf("minimal valid options: %v", err)
	}
}
