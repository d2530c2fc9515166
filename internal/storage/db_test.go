package storage

import (
	"errors"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettingsRoundTrip(t *testing.T) {
	db := openTest(t)

	if _, err := db.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := db.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Set("k", "v2"); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if got != "v2" {
		t.Fatalf("value = %q, want v2", got)
	}
}

func TestTracingFlag(t *testing.T) {
	db := openTest(t)

	on, err := db.TracingEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if on {
		t.Fatal("tracing on by default")
	}

	if err := db.SetTracingEnabled(true); err != nil {
		t.Fatal(err)
	}
	on, err = db.TracingEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if !on {
		t.Fatal("tracing flag did not persist")
	}
}

func TestInstallID(t *testing.T) {
	db := openTest(t)

	first, err := db.InstallID()
	if err != nil {
		t.Fatal(err)
	}
	if !first.Enabled || first.Value == "" {
		t.Fatalf("minted id = %+v", first)
	}

	again, err := db.InstallID()
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Fatalf("id changed across reads: %+v vs %+v", again, first)
	}

	first.Enabled = false
	if err := db.SetInstallID(first); err != nil {
		t.Fatal(err)
	}
	got, err := db.InstallID()
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatal("disabled flag did not persist")
	}
}
