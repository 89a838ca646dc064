package sourcesync

import "testing"

func TestPostgresQuoteIdentifier(t *testing.T) {
	cases := map[string]string{
		"sourcesync_state": `"sourcesync_state"`,
		` padded `:         `"padded"`,
		`odd"name`:         `"odd""name"`,
		"":                 `""`,
	}
	for in, want := range cases {
		if got := postgresQuoteIdentifier(in); got != want {
			t.Fatalf("postgresQuoteIdentifier(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewPostgresStateBackendRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresStateBackend("   "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
