package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "already ws", in: "ws://localhost:8000/ws/", want: "ws://localhost:8000/ws/"},
		{name: "already wss", in: "wss://chat.example.com/ws/", want: "wss://chat.example.com/ws/"},
		{name: "http to ws", in: "http://127.0.0.1:8000/ws/", want: "ws://127.0.0.1:8000/ws/"},
		{name: "https to wss", in: "https://chat.example.com/ws/", want: "wss://chat.example.com/ws/"},
		{name: "invalid", in: "://bad-url", wantErr: true},
		{name: "unknown scheme", in: "ftp://example.com", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeWSURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeWSURL(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("snapshot = %v, want [3 4 5]", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	if tail := r.Tail(2); len(tail) != 2 || tail[0] != 4 || tail[1] != 5 {
		t.Fatalf("tail = %v, want [4 5]", tail)
	}
	if v, ok := r.Find(func(v int) bool { return v%2 == 1 }); !ok || v != 5 {
		t.Fatalf("find = %d %t, want newest odd 5", v, ok)
	}
	if _, ok := r.Find(func(v int) bool { return v == 1 }); ok {
		t.Fatal("overwritten item still found")
	}
	if old := r.Reset(); len(old) != 3 || r.Len() != 0 {
		t.Fatalf("reset = %v len %d", old, r.Len())
	}
	r.Push(9)
	if got := r.Snapshot(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("after reset = %v", got)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}, 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", st.Mode().Perm())
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "data/x.db"); got != filepath.Join("/base", "data/x.db") {
		t.Fatalf("relative: got %q", got)
	}
	if got := ResolvePath("/base", "/abs/x.db"); got != "/abs/x.db" {
		t.Fatalf("absolute: got %q", got)
	}
}
