package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aiciti/billing-service/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

func ptrString(v string) *string { return &v }

func TestDecodeProcedureResult(t *testing.T) {
	tests := []struct {
		name        string
		raw         *string
		wantOK      bool
		wantBalance int64
		wantNeurons int64
		wantErr     bool
	}{
		{name: "null result counts as success", raw: nil, wantOK: true},
		{name: "void text", raw: ptrString(""), wantOK: true},
		{name: "boolean true", raw: ptrString("true"), wantOK: true},
		{name: "boolean false", raw: ptrString("false"), wantOK: false},
		{name: "json success", raw: ptrString(`{"success":true,"new_balance":130}`), wantOK: true, wantBalance: 130},
		{name: "json failure", raw: ptrString(`{"success":false,"error":"user not found"}`), wantOK: false},
		{name: "json without success flag", raw: ptrString(`{"neurons_added":150}`), wantOK: true, wantNeurons: 150},
		{name: "garbage", raw: ptrString(`{not json`), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := decodeProcedureResult(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ok() != tt.wantOK {
				t.Fatalf("expected ok=%t, got %t", tt.wantOK, res.ok())
			}
			if res.NewBalance != tt.wantBalance {
				t.Fatalf("expected balance %d, got %d", tt.wantBalance, res.NewBalance)
			}
			if res.NeuronsAdded != tt.wantNeurons {
				t.Fatalf("expected neurons %d, got %d", tt.wantNeurons, res.NeuronsAdded)
			}
		})
	}
}

func TestValidateCreditRequiresTypeAndDescription(t *testing.T) {
	valid := domain.CoinCredit{TelegramID: 1, Amount: 10, Type: domain.CreditTypeBonus, Description: "refund"}
	if err := validateCredit(valid); err != nil {
		t.Fatalf("expected valid credit, got %v", err)
	}

	invalid := []domain.CoinCredit{
		{TelegramID: 1, Amount: 10, Type: "", Description: "x"},
		{TelegramID: 1, Amount: 10, Type: domain.CreditTypeBonus, Description: "  "},
		{TelegramID: 1, Amount: 0, Type: domain.CreditTypeBonus, Description: "x"},
		{TelegramID: 1, Amount: -5, Type: domain.CreditTypeBonus, Description: "x"},
		{TelegramID: 0, Amount: 5, Type: domain.CreditTypeBonus, Description: "x"},
	}
	for i, c := range invalid {
		if err := validateCredit(c); !errors.Is(err, ErrInvalidCredit) {
			t.Fatalf("case %d: expected ErrInvalidCredit, got %v", i, err)
		}
	}
}

func TestEncodeMetadata(t *testing.T) {
	got, err := encodeMetadata(nil)
	if err != nil || got != "{}" {
		t.Fatalf("expected empty object, got %q err=%v", got, err)
	}

	got, err = encodeMetadata(map[string]any{"source": "refund", "executionId": "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"executionId":"abc","source":"refund"}` {
		t.Fatalf("unexpected metadata json %s", got)
	}
}

func TestPgErrorClassification(t *testing.T) {
	unique := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})
	missing := &pgconn.PgError{Code: "42P01"}

	if !isUniqueViolation(unique) || isUniqueViolation(missing) {
		t.Fatal("unexpected unique violation classification")
	}
	if !isUndefinedTableError(missing) || isUndefinedTableError(unique) {
		t.Fatal("unexpected undefined table classification")
	}
	if isUniqueViolation(errors.New("plain")) {
		t.Fatal("plain error must not be a unique violation")
	}
}
