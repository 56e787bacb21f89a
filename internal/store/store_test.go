package store

import (
	"bytes"
	"errors"
	"testing"
)

func stores(t *testing.T) map[string]KV {
	t.Helper()
	fs, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	return map[string]KV{
		"file": fs,
		"mem":  NewMemStore(),
	}
}

func TestKVRoundTrip(t *testing.T) {
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := kv.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
			if err := kv.Put("identity/v1", []byte("blob")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := kv.Get("identity/v1")
			if err != nil || !bytes.Equal(got, []byte("blob")) {
				t.Fatalf("get: %q %v", got, err)
			}
			if err := kv.Delete("identity/v1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := kv.Get("identity/v1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("key survived delete")
			}
			// Deleting a missing key is not an error.
			if err := kv.Delete("identity/v1"); err != nil {
				t.Fatalf("double delete: %v", err)
			}
		})
	}
}

func TestKVScanPrefix(t *testing.T) {
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			kv.Put("favorites/aa", []byte("1"))
			kv.Put("favorites/bb", []byte("2"))
			kv.Put("identity/v1", []byte("3"))

			keys, err := kv.Scan("favorites/")
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if len(keys) != 2 || keys[0] != "favorites/aa" || keys[1] != "favorites/bb" {
				t.Fatalf("scan result %v", keys)
			}
			all, err := kv.Scan("")
			if err != nil || len(all) != 3 {
				t.Fatalf("full scan %v %v", all, err)
			}
		})
	}
}
