package vars

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestContext_LookupRecordsMissesInOrder(t *testing.T) {
	ctx := NewContext(map[string]interface{}{"bucket": "out.c-main"})

	if v, ok := ctx.Lookup("bucket"); !ok || v != "out.c-main" {
		t.Fatalf("Lookup(bucket) = %v, %v", v, ok)
	}
	ctx.Lookup("zeta")
	ctx.Lookup("alpha")
	ctx.Lookup("zeta")

	want := []string{"zeta", "alpha"}
	if got := ctx.Misses(); !reflect.DeepEqual(got, want) {
		t.Errorf("Misses() = %v, want %v", got, want)
	}
}

func TestNewContext_CopiesAndFlattens(t *testing.T) {
	src := map[string]interface{}{
		"db": map[string]interface{}{"host": "pg", "port": 5432},
		"id": "run-1",
	}
	ctx := NewContext(src)
	src["id"] = "mutated"

	if v, _ := ctx.Lookup("id"); v != "run-1" {
		t.Errorf("context should not observe source mutation, got %v", v)
	}
	want := []string{"db.host", "db.port", "id"}
	if got := ctx.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestRender(t *testing.T) {
	values := map[string]interface{}{
		"bucket": "out.c-main",
		"limit":  10,
		"prod":   true,
		"db":     map[string]interface{}{"host": "pg.local"},
	}
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"no placeholders", "storage: { type: local }", "storage: { type: local }"},
		{"plain variable", "defaultBucket: {{ bucket }}", "defaultBucket: out.c-main"},
		{"arithmetic", "concurrency: {{ limit * 2 }}", "concurrency: 20"},
		{"boolean", "failedJob: {{ !prod }}", "failedJob: false"},
		{"nested bracketed", "dsn: postgres://{{ [db.host] }}/x", "dsn: postgres://pg.local/x"},
		{"string concat", "dest: {{ bucket + '.orders' }}", "dest: out.c-main.orders"},
		{"ternary", "level: {{ prod ? 'info' : 'debug' }}", "level: info"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Render(tc.in, NewContext(values))
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("Render() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRender_ReportsAllMisses(t *testing.T) {
	ctx := NewContext(map[string]interface{}{"a": 1})
	_, err := Render("{{ b }} {{ a }} {{ c }} {{ b }}", ctx)

	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("Render() error = %v, want *MissingError", err)
	}
	if want := []string{"b", "c"}; !reflect.DeepEqual(missing.Names, want) {
		t.Errorf("missing = %v, want %v", missing.Names, want)
	}
}

func TestRender_InvalidExpression(t *testing.T) {
	if _, err := Render("x: {{ 1 + }}", NewContext(nil)); err == nil {
		t.Error("expected an error for an invalid expression")
	}
	if _, err := Render("x: {{ }}", NewContext(nil)); err == nil {
		t.Error("expected an error for an empty placeholder")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.yaml")
	if err := os.WriteFile(path, []byte("bucket: out.c-x\ndb:\n  host: h\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if values["bucket"] != "out.c-x" {
		t.Errorf("bucket = %v", values["bucket"])
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
