package store

import (
	"path/filepath"
	"testing"
	"time"

	"dev.c0redev.urpc/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordMethod(t *testing.T) {
	db := openTestDB(t)
	id := proto.MethodID("Example.Echo")
	if err := db.RecordMethod("Example.Echo", id); err != nil {
		t.Fatal(err)
	}
	// re-registering the same method is a no-op
	if err := db.RecordMethod("Example.Echo", id); err != nil {
		t.Fatal(err)
	}
}

func TestRecordCallAndStats(t *testing.T) {
	db := openTestDB(t)
	echo := proto.MethodID("Example.Echo")
	missing := proto.MethodID("Example.Missing")
	if err := db.RecordMethod("Example.Echo", echo); err != nil {
		t.Fatal(err)
	}

	db.RecordCall(echo, 1, true, 0, 120*time.Microsecond)
	db.RecordCall(echo, 2, true, 0, 80*time.Microsecond)
	db.RecordCall(missing, 3, false, 404, 5*time.Microsecond)

	stats, err := db.MethodStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats: got %d rows", len(stats))
	}
	byID := map[uint64]MethodStat{}
	for _, s := range stats {
		byID[s.MethodID] = s
	}
	e := byID[echo]
	if e.Name != "Example.Echo" || e.Calls != 2 || e.Errors != 0 {
		t.Fatalf("echo stats: %+v", e)
	}
	m := byID[missing]
	if m.Name != "" || m.Calls != 1 || m.Errors != 1 {
		t.Fatalf("missing stats: %+v", m)
	}
}

func TestMethodIDRoundTripsThroughSQLite(t *testing.T) {
	db := openTestDB(t)
	// high-bit method ids must survive the int64 conversion
	id := uint64(0xf87906fa323d6bcf)
	db.RecordCall(id, 9, true, 0, time.Microsecond)
	stats, err := db.MethodStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].MethodID != id {
		t.Fatalf("roundtrip: %+v", stats)
	}
}
