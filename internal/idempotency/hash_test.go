package idempotency

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mustHash(t *testing.T, method, path, body string) string {
	t.Helper()
	h, err := HashRequest(method, path, []byte(body))
	if err != nil {
		t.Fatalf("HashRequest(%q): %v", body, err)
	}
	return h
}

func TestHashRequestKeyOrder(t *testing.T) {
	a := mustHash(t, "POST", "/agent/task", `{"task":"summarize","token":"USDC","meta":{"b":2,"a":1}}`)
	b := mustHash(t, "POST", "/agent/task", `{"meta":{"a":1,"b":2},"token":"USDC","task":"summarize"}`)
	if a != b {
		t.Fatalf("key order changed hash: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHashRequestDistinguishes(t *testing.T) {
	base := mustHash(t, "POST", "/agent/task", `{"task":"a"}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"different body", "POST", "/agent/task", `{"task":"b"}`},
		{"different method", "PUT", "/agent/task", `{"task":"a"}`},
		{"different path", "POST", "/agent/other", `{"task":"a"}`},
		{"array order", "POST", "/agent/task", `{"task":"a","tags":["y","x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustHash(t, tt.method, tt.path, tt.body); got == base {
				t.Errorf("expected hash to differ from base")
			}
		})
	}

	x := mustHash(t, "POST", "/p", `{"tags":["x","y"]}`)
	y := mustHash(t, "POST", "/p", `{"tags":["y","x"]}`)
	if x == y {
		t.Error("array order must be preserved")
	}
}

func TestHashRequestEmptyBodyIsNull(t *testing.T) {
	empty := mustHash(t, "POST", "/agent/task", "")
	null := mustHash(t, "POST", "/agent/task", "null")
	if empty != null {
		t.Fatal("empty body should hash like null")
	}
}

func TestHashRequestWhitespaceInsensitive(t *testing.T) {
	a := mustHash(t, "POST", "/p", `{"a":1,"b":[1,2]}`)
	b := mustHash(t, "POST", "/p", "{ \"b\" : [ 1 , 2 ] ,\n \"a\" : 1 }\n")
	if a != b {
		t.Fatal("formatting changed hash")
	}
}

func TestHashRequestInvalidJSON(t *testing.T) {
	if _, err := HashRequest("POST", "/p", []byte(`{"task":`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestHashRequestUnsafeIntegers(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"max safe", `{"n":9007199254740992}`, true},
		{"min safe", `{"n":-9007199254740992}`, true},
		{"fraction", `{"n":9007199254740993.5}`, true},
		{"exponent", `{"n":1e300}`, true},
		{"above range", `{"n":9007199254740993}`, false},
		{"below range", `{"n":-9007199254740993}`, false},
		{"nested overflow", `{"a":[1,{"b":123456789012345678901234567890}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HashRequest("POST", "/agent/task", []byte(tt.body))
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrUnsafeInteger) {
				t.Fatalf("expected ErrUnsafeInteger, got %v", err)
			}
		})
	}
}

// reversedObject serializes m with keys in reverse sorted order.
func reversedObject(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

func TestHashRequestOrderIndependenceProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("key order never changes the hash", prop.ForAll(
		func(m map[string]int) bool {
			sorted, err := json.Marshal(m)
			if err != nil {
				return false
			}
			a, err := HashRequest("POST", "/agent/task", sorted)
			if err != nil {
				return false
			}
			b, err := HashRequest("POST", "/agent/task", []byte(reversedObject(m)))
			if err != nil {
				return false
			}
			return a == b
		},
		gen.MapOf(gen.AlphaString(), gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}
