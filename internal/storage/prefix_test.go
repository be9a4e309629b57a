package storage

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// The node shares one database between the ledger (b/, n/), the chunk
// cache (c/) and the p2p stores (ban/, peer/).
var sharedPrefixes = []string{"b/", "n/", "c/", "ban/", "peer/"}

func TestPrefixDB_Namespaces(t *testing.T) {
	inner := NewMemory()
	dbs := make(map[string]*PrefixDB)
	for _, p := range sharedPrefixes {
		dbs[p] = NewPrefixDB(inner, []byte(p))
		if err := dbs[p].Put([]byte("key"), []byte(p)); err != nil {
			t.Fatalf("Put(%s): %v", p, err)
		}
	}

	for _, p := range sharedPrefixes {
		got, err := dbs[p].Get([]byte("key"))
		if err != nil {
			t.Fatalf("Get(%s): %v", p, err)
		}
		if string(got) != p {
			t.Errorf("%s key = %q, want %q", p, got, p)
		}
		raw, err := inner.Get([]byte(p + "key"))
		if err != nil || string(raw) != p {
			t.Errorf("inner %skey = %q, %v", p, raw, err)
		}
	}

	// "b/" must not see "ban/" entries through iteration.
	count := 0
	dbs["b/"].ForEach(nil, func(_, _ []byte) error {
		count++
		return nil
	})
	if count != 1 {
		t.Errorf("b/ ForEach count = %d, want 1", count)
	}
}

func TestPrefixDB_GetPutDelete(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("c/"))

	if _, err := db.Get([]byte("chunk_0-250.json")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if err := db.Put([]byte("chunk_0-250.json"), []byte("[]")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := db.Has([]byte("chunk_0-250.json")); !ok {
		t.Fatal("Has = false after Put")
	}
	if err := db.Delete([]byte("chunk_0-250.json")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := db.Has([]byte("chunk_0-250.json")); ok {
		t.Fatal("Has = true after Delete")
	}
}

func TestPrefixDB_PrefixIsCopied(t *testing.T) {
	inner := NewMemory()
	prefix := []byte("peer/")
	db := NewPrefixDB(inner, prefix)
	prefix[0] = 'X'

	db.Put([]byte("id"), []byte("v"))
	if ok, _ := inner.Has([]byte("peer/id")); !ok {
		t.Fatal("caller mutation of the prefix leaked into the PrefixDB")
	}
}

func TestPrefixDB_ForEach(t *testing.T) {
	tests := []struct {
		name  string
		scan  string
		stop  int
		want  []string
		wantE bool
	}{
		{name: "all", scan: "", want: []string{"chunk_0-8.json", "chunk_16-8.json", "chunk_8-8.json"}},
		{name: "sub prefix", scan: "chunk_1", want: []string{"chunk_16-8.json"}},
		{name: "no match", scan: "zzz"},
		{name: "stop early", scan: "", stop: 2, want: []string{"chunk_0-8.json", "chunk_16-8.json"}, wantE: true},
	}

	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("c/"))
	for _, from := range []int{0, 8, 16} {
		db.Put([]byte(fmt.Sprintf("chunk_%d-8.json", from)), []byte("[]"))
	}
	inner.Put([]byte("b/unrelated"), []byte("x"))

	errStop := errors.New("stop")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := db.ForEach([]byte(tt.scan), func(key, _ []byte) error {
				got = append(got, string(key))
				if tt.stop > 0 && len(got) == tt.stop {
					return errStop
				}
				return nil
			})
			if tt.wantE != errors.Is(err, errStop) {
				t.Fatalf("ForEach error = %v, want stop=%v", err, tt.wantE)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("keys = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	bans := NewPrefixDB(inner, []byte("ban/"))
	ledgerBlocks := NewPrefixDB(inner, []byte("b/"))

	for i := 0; i < 3; i++ {
		bans.Put([]byte(fmt.Sprintf("peer%d", i)), []byte("{}"))
	}
	ledgerBlocks.Put([]byte("head"), []byte("block"))

	if err := bans.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	count := 0
	bans.ForEach(nil, func(_, _ []byte) error {
		count++
		return nil
	})
	if count != 0 {
		t.Errorf("%d bans left after DeleteAll", count)
	}
	if got, err := ledgerBlocks.Get([]byte("head")); err != nil || !bytes.Equal(got, []byte("block")) {
		t.Errorf("neighbouring namespace damaged: %q, %v", got, err)
	}

	if err := NewPrefixDB(inner, []byte("empty/")).DeleteAll(); err != nil {
		t.Errorf("DeleteAll on empty namespace: %v", err)
	}
}

func TestPrefixDB_Batch(t *testing.T) {
	for name, inner := range map[string]DB{
		"memory": NewMemory(),
		"badger": openBadger(t),
	} {
		t.Run(name, func(t *testing.T) {
			db := NewPrefixDB(inner, []byte("peer/"))
			db.Put([]byte("stale"), []byte("old"))

			b := db.NewBatch()
			b.Put([]byte("p1"), []byte("a"))
			b.Put([]byte("p2"), []byte("b"))
			b.Delete([]byte("stale"))

			if ok, _ := db.Has([]byte("p1")); ok {
				t.Fatal("batch write visible before Commit")
			}
			if err := b.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			for _, k := range []string{"p1", "p2"} {
				if ok, _ := inner.Has([]byte("peer/" + k)); !ok {
					t.Errorf("peer/%s missing after Commit", k)
				}
			}
			if ok, _ := db.Has([]byte("stale")); ok {
				t.Error("stale key survived batch delete")
			}
		})
	}
}

func openBadger(t *testing.T) DB {
	t.Helper()
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
