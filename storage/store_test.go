package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemKV(), nil)

	in := map[string]string{"a": "1"}
	if err := store.Save(ctx, "key", in); err != nil {
		t.Fatal(err)
	}

	out := map[string]string{}
	ok, err := store.Load(ctx, "key", &out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected key to exist")
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestStoreMissingKeyKeepsDefault(t *testing.T) {
	store := NewStore(NewMemKV(), nil)
	out := map[string]string{"default": "yes"}
	ok, err := store.Load(context.Background(), "missing", &out)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("missing key reported present")
	}
	if out["default"] != "yes" {
		t.Error("default value was clobbered")
	}
}

func TestStoreMigratesLegacyBareValue(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	store := NewStore(kv, nil)

	// A bare pre-envelope value counts as version 0.
	if err := kv.Put(ctx, "legacy", []byte(`{"name":"old"}`)); err != nil {
		t.Fatal(err)
	}

	out := map[string]string{}
	ok, err := store.Load(ctx, "legacy", &out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || out["name"] != "old" {
		t.Fatalf("legacy load = %v ok=%v", out, ok)
	}

	// The migration rewrites at the current version.
	raw, _, err := kv.Get(ctx, "legacy")
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.SchemaVersion != SchemaVersion {
		t.Errorf("rewritten version = %d, want %d", env.SchemaVersion, SchemaVersion)
	}
}

func TestStoreRejectsFutureVersion(t *testing.T) {
	ctx := context.Background()
	kv := NewMemKV()
	store := NewStore(kv, nil)

	if err := kv.Put(ctx, "future", []byte(`{"schemaVersion":99,"value":{}}`)); err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if _, err := store.Load(ctx, "future", &out); err == nil {
		t.Fatal("expected error for future schema version")
	}
}

func TestLeadStoreDedupesTags(t *testing.T) {
	ctx := context.Background()
	leads := NewLeadStore(NewStore(NewMemKV(), nil))

	lead := core.LeadCard{ID: "lead-1", ChatID: "123", Tags: []string{"b"}}
	if err := leads.Save(ctx, lead); err != nil {
		t.Fatal(err)
	}

	merged := core.MergeTags(lead, []string{"a", "b", "a"}, lead.LastUpdateAt)
	if err := leads.Save(ctx, merged); err != nil {
		t.Fatal(err)
	}

	stored, ok, err := leads.Get(ctx, "lead-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	got := append([]string(nil), stored.Tags...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("tags = %v, want {a b}", stored.Tags)
	}
}

func TestLeadStoreKeyFallsBackToChatID(t *testing.T) {
	ctx := context.Background()
	leads := NewLeadStore(NewStore(NewMemKV(), nil))

	if err := leads.Save(ctx, core.LeadCard{ChatID: "123", Title: "Maria"}); err != nil {
		t.Fatal(err)
	}
	lead, ok, err := leads.Get(ctx, "123")
	if err != nil || !ok {
		t.Fatalf("get by chat id: ok=%v err=%v", ok, err)
	}
	if lead.Title != "Maria" {
		t.Errorf("title = %q", lead.Title)
	}
}

func TestSQLiteKV(t *testing.T) {
	ctx := context.Background()
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "zop.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := kv.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	raw, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(raw) != "v2" {
		t.Errorf("value = %q, want v2", raw)
	}

	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kv.Get(ctx, "k"); ok {
		t.Error("key survived delete")
	}
}
