package db

import (
	"strings"
	"testing"
)

func TestConvertToMigrateURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"postgres scheme", "postgres://u:p@localhost:5432/db?sslmode=disable",
			"pgx5://u:p@localhost:5432/db?sslmode=disable", false},
		{"postgresql scheme", "postgresql://u:p@host/db",
			"pgx5://u:p@host/db", false},
		{"mixed case scheme", "Postgres://u:p@host/db",
			"pgx5://u:p@host/db", false},
		{"mysql rejected", "mysql://u@host/db", "", true},
		{"empty scheme rejected", "host/db", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertToMigrateURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("convertToMigrateURL(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("convertToMigrateURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("convertToMigrateURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations: %v", err)
	}
	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 {
		t.Fatal("no up migrations embedded")
	}
	if ups != downs {
		t.Errorf("up/down migration count mismatch: %d up, %d down", ups, downs)
	}
}
