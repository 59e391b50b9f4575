package registry

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"breachscope/internal/database"
	"breachscope/internal/model"
)

func TestSnapshotCachesAndReloads(t *testing.T) {
	db, err := database.NewDB(":memory:", database.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	seed := []model.Entity{
		{Type: model.EntityKeyword, Name: "ransomware", IsActive: true},
		{Type: model.EntityCompany, Name: "Acme Corp", Aliases: []string{"Acme"}, IsActive: true},
		{Type: model.EntityAgency, Name: "Federal Bureau of Investigation", Acronym: "FBI", IsActive: true},
		{Type: model.EntityLocation, Name: "Texas", City: "Austin", IsActive: false},
	}
	for _, e := range seed {
		if _, err := db.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("UpsertEntity failed: %v", err)
		}
	}

	reg := New(db, log.New(io.Discard, "", 0), time.Minute)
	snap, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("expected 3 active entities, got %d", snap.Len())
	}
	if len(snap.Locations) != 0 {
		t.Errorf("inactive location should be excluded")
	}
	if got := snap.Agencies[0].Terms(); len(got) != 2 || got[1] != "FBI" {
		t.Errorf("agency terms = %v", got)
	}

	if _, err := db.UpsertEntity(ctx, model.Entity{Type: model.EntityKeyword, Name: "zero-day", IsActive: true}); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	again, _ := reg.Snapshot(ctx)
	if again != snap {
		t.Errorf("expected the cached snapshot until it expires")
	}

	reg.Invalidate()
	fresh, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(fresh.Keywords) != 2 {
		t.Errorf("expected reload to pick up the new keyword, got %d", len(fresh.Keywords))
	}
	if len(snap.Keywords) != 1 {
		t.Errorf("old snapshot must not change")
	}
}
