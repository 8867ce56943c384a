//go:build integration

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/emailchain/emailchain/internal/testutil"
)

func TestPostgresAuditStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresAuditStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	audits := []*Audit{
		{
			ID:            "audit_1",
			TransactionID: "tx_1",
			UserID:        "alice@emailchain.io",
			RiskScore:     10,
			Flags:         []string{"New user - limited history"},
			EvaluatedAt:   base,
		},
		{
			ID:            "audit_2",
			TransactionID: "tx_2",
			UserID:        "alice@emailchain.io",
			RiskScore:     100,
			Flags:         []string{"High transaction frequency", "Unusual transaction amount"},
			Blocked:       true,
			EvaluatedAt:   base.Add(time.Second),
		},
		{
			ID:            "audit_3",
			TransactionID: "tx_3",
			UserID:        "bob@emailchain.io",
			RiskScore:     0,
			EvaluatedAt:   base.Add(2 * time.Second),
		},
	}
	for _, a := range audits {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record %s: %v", a.ID, err)
		}
	}

	got, err := store.ListByUser(ctx, "alice@emailchain.io", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("audit count = %d, want 2", len(got))
	}
	if got[0].ID != "audit_1" || got[1].ID != "audit_2" {
		t.Errorf("audit order = %s, %s", got[0].ID, got[1].ID)
	}
	if !got[1].Blocked || got[1].RiskScore != 100 {
		t.Errorf("blocked audit = %+v", got[1])
	}
	if len(got[1].Flags) != 2 {
		t.Errorf("flags = %v", got[1].Flags)
	}
}

func TestPostgresAuditStoreLimit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresAuditStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		a := &Audit{
			ID:            "audit_lim_" + string(rune('a'+i)),
			TransactionID: "tx_lim",
			UserID:        "carol@emailchain.io",
			RiskScore:     i * 10,
			EvaluatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	// Limit keeps the most recent entries, returned oldest first
	got, err := store.ListByUser(ctx, "carol@emailchain.io", 2)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("audit count = %d, want 2", len(got))
	}
	if got[0].RiskScore != 30 || got[1].RiskScore != 40 {
		t.Errorf("limited audits = %d, %d", got[0].RiskScore, got[1].RiskScore)
	}
}
