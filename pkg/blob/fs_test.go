package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDigest(t *testing.T) {
	d := Digest([]byte("model weights"))
	if len(d) != 64 {
		t.Fatalf("digest length = %d, want 64", len(d))
	}
	if d != Digest([]byte("model weights")) {
		t.Fatal("digest is not deterministic")
	}
	if d == Digest([]byte("other bytes")) {
		t.Fatal("distinct inputs produced the same digest")
	}
}

func TestValidDigest(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{Digest([]byte("x")), true},
		{"", false},
		{"abc", false},
		{"zz" + Digest([]byte("x"))[2:], false},
	}
	for _, tc := range cases {
		if got := ValidDigest(tc.in); got != tc.want {
			t.Errorf("ValidDigest(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFSStorePutGetRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	data := []byte("model weights")
	digest, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if digest != Digest(data) {
		t.Fatalf("digest = %s, want %s", digest, Digest(data))
	}

	got, err := store.Get(ctx, digest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}

	ok, err := store.Exists(ctx, digest)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}
}

func TestFSStorePutIsIdempotent(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	data := []byte("model weights")
	first, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("idempotent Put returned %s then %s", first, second)
	}

	got, err := store.Get(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("stored content changed across duplicate Puts")
	}
}

func TestFSStoreGetNotFound(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Get(context.Background(), Digest([]byte("never stored")))
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	ok, err := store.Exists(context.Background(), Digest([]byte("never stored")))
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
	}
}

func TestFSStoreGetRejectsCorruption(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	digest, err := store.Put(ctx, []byte("model weights"))
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, digest), []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, digest); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound for corrupted object", err)
	}
}

func TestFSStoreRejectsInvalidDigest(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(context.Background(), "../../etc/passwd"); err == nil {
		t.Fatal("expected error for invalid digest")
	}
	if _, err := store.Exists(context.Background(), "nothex"); err == nil {
		t.Fatal("expected error for invalid digest")
	}
}
