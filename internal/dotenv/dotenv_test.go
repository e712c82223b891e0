package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# comment\n" +
		"LIVE_RELAY_ADDR=:9090\n" +
		"QUOTED=\"hello world\"\n" +
		"SINGLE='one two'\n" +
		"export EXPORTED=ok\n" +
		"EXISTING=from_file\n" +
		"not-an-assignment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("LIVE_RELAY_ADDR"); got != ":9090" {
		t.Fatalf("LIVE_RELAY_ADDR=%q, want %q", got, ":9090")
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("SINGLE"); got != "one two" {
		t.Fatalf("SINGLE=%q, want %q", got, "one two")
	}
	if got := os.Getenv("EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{line: "KEY=value", key: "KEY", value: "value", ok: true},
		{line: "  KEY =  value  ", key: "KEY", value: "value", ok: true},
		{line: "export KEY=value", key: "KEY", value: "value", ok: true},
		{line: `KEY="a b"`, key: "KEY", value: "a b", ok: true},
		{line: "KEY=", key: "KEY", value: "", ok: true},
		{line: "=value", ok: false},
		{line: "# KEY=value", ok: false},
		{line: "", ok: false},
		{line: "no assignment here", ok: false},
	}
	for _, tc := range cases {
		key, value, ok := parseLine(tc.line)
		if ok != tc.ok || key != tc.key || value != tc.value {
			t.Fatalf("parseLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, key, value, ok, tc.key, tc.value, tc.ok)
		}
	}
}
