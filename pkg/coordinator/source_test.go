package coordinator

import (
	"context"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/astromechza/tablesync/pkg/apply"
	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/faults"
	"github.com/astromechza/tablesync/pkg/sqldb"
	"github.com/astromechza/tablesync/pkg/watermark"
)

const ordersDDL = `CREATE TABLE Orders (
	SysId INTEGER NOT NULL PRIMARY KEY,
	Item  TEXT NOT NULL,
	Price REAL
)`

func openDB(t *testing.T, driver string) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(driver, ":memory:")
	if err != nil {
		t.Fatalf("sqldb.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(ordersDDL); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	return db
}

func TestSQLSourceExtract(t *testing.T) {
	for _, driver := range []string{sqldb.DriverSQLite3, sqldb.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			db := openDB(t, driver)
			if _, err := db.Exec(`INSERT INTO Orders (SysId, Item, Price) VALUES
				(103, 'c', 3.5), (101, 'a', NULL), (102, 'b', 2.25), (99, 'old', 1)`); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			src, err := NewSQLSource(db)
			if err != nil {
				t.Fatalf("NewSQLSource failed: %v", err)
			}

			rows, err := src.Extract(context.Background(), "Orders", "SysId", 100, 0)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			want := []codec.Row{
				{"SysId": int64(101), "Item": "a", "Price": nil},
				{"SysId": int64(102), "Item": "b", "Price": 2.25},
				{"SysId": int64(103), "Item": "c", "Price": 3.5},
			}
			if diff := cmp.Diff(want, rows); diff != "" {
				t.Fatalf("rows mismatch (-want +got):\n%s", diff)
			}

			limited, err := src.Extract(context.Background(), "Orders", "SysId", 100, 2)
			if err != nil {
				t.Fatalf("Extract with limit failed: %v", err)
			}
			if len(limited) != 2 || limited[1]["SysId"] != int64(102) {
				t.Fatalf("limit not honoured: %v", limited)
			}

			none, err := src.Extract(context.Background(), "Orders", "SysId", 103, 0)
			if err != nil || len(none) != 0 {
				t.Fatalf("expected no rows above 103, got %v (%v)", none, err)
			}
		})
	}
}

func TestSQLSourceUnknownTable(t *testing.T) {
	src, _ := NewSQLSource(openDB(t, sqldb.DriverSQLite3))
	if _, err := src.Extract(context.Background(), "Missing", "SysId", 0, 0); err == nil {
		t.Fatalf("expected an error for a missing table")
	}
}

// engineExchanger applies batches straight into a receiving engine, losing
// the first loseAcks replies after the commit.
type engineExchanger struct {
	engine   *apply.Engine
	loseAcks int
}

func (e *engineExchanger) Exchange(ctx context.Context, b codec.Batch) (codec.Ack, error) {
	ack, err := e.engine.Apply(ctx, b)
	if err != nil {
		return ack, err
	}
	if e.loseAcks > 0 {
		e.loseAcks--
		return codec.Ack{}, &faults.ConnectionFault{Op: "read", Err: io.EOF}
	}
	return ack, nil
}

func TestLostAckConvergesThroughIdempotentApply(t *testing.T) {
	ctx := context.Background()
	local := openDB(t, sqldb.DriverSQLite3)
	remote := openDB(t, sqldb.DriverSQLite)
	if _, err := local.Exec(`INSERT INTO Orders (SysId, Item, Price) VALUES (1, 'a', 1.5), (2, 'b', 2), (3, 'c', NULL)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	src, _ := NewSQLSource(local)
	target, err := apply.NewSQLTarget(remote)
	if err != nil {
		t.Fatalf("NewSQLTarget failed: %v", err)
	}
	ex := &engineExchanger{engine: apply.NewEngine(target, apply.Options{}), loseAcks: 1}
	marks := watermark.NewMemoryStore()
	c := New(src, marks, Options{Tables: []string{"Orders"}})

	if _, err := c.SyncAll(ctx, ex); faults.Kind(err) != "connection" {
		t.Fatalf("expected the lost ack to surface as a connection fault, got %v", err)
	}
	if v, _ := marks.Get(ctx, "Orders"); v != 0 {
		t.Fatalf("watermark advanced without an ack: %d", v)
	}

	results, err := c.SyncAll(ctx, ex)
	if err != nil {
		t.Fatalf("second SyncAll failed: %v", err)
	}
	if results[0].Watermark != 3 {
		t.Fatalf("watermark = %d, want 3", results[0].Watermark)
	}

	var count int
	if err := remote.QueryRow(`SELECT COUNT(*) FROM Orders`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("receiver has %d rows after the resend, want 3", count)
	}
	var price float64
	if err := remote.QueryRow(`SELECT Price FROM Orders WHERE SysId = 2`).Scan(&price); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if price != 2 {
		t.Fatalf("price = %v, want 2", price)
	}
}

func TestSQLSourceDottedIDColumn(t *testing.T) {
	db := openDB(t, sqldb.DriverSQLite3)
	if _, err := db.Exec(`CREATE TABLE Ledger ("entry.id" INTEGER NOT NULL PRIMARY KEY, Amount INTEGER)`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO Ledger ("entry.id", Amount) VALUES (1, 10), (2, 20)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	src, _ := NewSQLSource(db)
	rows, err := src.Extract(context.Background(), "Ledger", "entry.id", 1, 0)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if diff := cmp.Diff([]codec.Row{{"entry.id": int64(2), "Amount": int64(20)}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}
