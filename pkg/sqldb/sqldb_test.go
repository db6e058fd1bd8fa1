package sqldb

import "testing"

func TestOpenSQLiteDrivers(t *testing.T) {
	for _, driver := range []string{DriverSQLite3, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			db, err := Open(driver, ":memory:")
			if err != nil {
				t.Fatalf("Open(%s) failed: %v", driver, err)
			}
			defer db.Close()
			if _, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if _, err := db.Exec(`INSERT INTO t (id, v) VALUES (?, ?)`, 1, "a"); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			var n int
			if err := db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if n != 1 {
				t.Errorf("count = %d, want 1 (single shared in-memory db)", n)
			}
		})
	}
}

func TestOpenUnsupported(t *testing.T) {
	if _, err := Open("mssql", "x"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestPlaceholders(t *testing.T) {
	lite := &DB{Driver: DriverSQLite3}
	if got := lite.Placeholders(1, 3); got != "?, ?, ?" {
		t.Errorf("sqlite placeholders = %q", got)
	}
	pg := &DB{Driver: DriverPostgres}
	if got := pg.Placeholders(2, 3); got != "$2, $3, $4" {
		t.Errorf("postgres placeholders = %q", got)
	}
}

func TestQuoteIdent(t *testing.T) {
	cases := map[string]string{
		"Orders":     `"Orders"`,
		"dbo.Orders": `"dbo"."Orders"`,
		`we"ird`:     `"we""ird"`,
	}
	for in, want := range cases {
		if got := QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuoteColumnKeepsDots(t *testing.T) {
	cases := map[string]string{
		"Price":      `"Price"`,
		"unit.price": `"unit.price"`,
		`we"ird.x`:   `"we""ird.x"`,
	}
	for in, want := range cases {
		if got := QuoteColumn(in); got != want {
			t.Errorf("QuoteColumn(%q) = %q, want %q", in, got, want)
		}
	}
}
