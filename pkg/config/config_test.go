package config

import (
	"strings"
	"testing"
)

// TestDumpYAMLRoundTrips pins that a populated TeralConfig renders out as
// YAML containing the fields §6 recognizes, so `teral config-dump` reflects
// whatever defaults/file/env merge a node actually resolved.
func TestDumpYAMLRoundTrips(t *testing.T) {
	var cfg TeralConfig
	cfg.Storage.Backend = "rocksdb"
	cfg.Storage.Path = "teral.db"
	cfg.ContractsExec.Threads = 4
	cfg.Network.KnownNodes = []string{"127.0.0.1:9000"}

	out, err := DumpYAML(&cfg)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	s := string(out)
	for _, want := range []string{"backend: rocksdb", "threads: 4", "127.0.0.1:9000"} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected rendered YAML to contain %q, got:\n%s", want, s)
		}
	}
}
