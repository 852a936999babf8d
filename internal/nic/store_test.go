package nic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/sp"
)

func TestFileStore_SaveLoadDelete(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)

	want := Snapshot{
		Version: snapshotVersion,
		FuncID:  3,
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Entries: []SnapshotEntry{
			{Queue: 0, Kind: "mac", Key: sp.Key{MAC: sp.MustParseMAC("00:11:22:33:44:55")}, Class: "eth"},
			{Queue: 1, Kind: "vlan", Key: sp.Key{VLAN: 10}, Class: "eth"},
		},
		Mcast:  []sp.MAC{sp.MustParseMAC("01:00:5e:00:00:01")},
		RxMode: "promisc",
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load(3)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, store.Delete(3))
	require.NoError(t, store.Delete(3))
	_, err = store.Load(3)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(Snapshot{FuncID: 1, RxMode: "normal"}))
	}
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "func-1.json", files[0].Name())
}

func TestFileStore_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "func-0.json"), []byte(`{"version":"v0","func_id":0}`), 0o600))

	_, err = store.Load(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestAdapter_SnapshotReplay(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := newRig(t, testDevice("e2"), store, nil)
	require.NoError(t, first.a.Load(ctx))
	_, err = first.a.ConfigEntry(ctx, macEntry(1, sp.CmdAdd, "00:11:22:33:44:55"))
	require.NoError(t, err)
	_, err = first.a.ConfigEntry(ctx, EntryRequest{Queue: 0, Cmd: sp.CmdAdd, Kind: sp.KindVLAN, Key: sp.Key{VLAN: 42}, Ramrod: sp.CompWait})
	require.NoError(t, err)
	_, err = first.a.ConfigMcast(ctx, sp.McastAdd, []sp.MAC{sp.MustParseMAC("01:00:5e:00:00:fb")}, sp.CompWait)
	require.NoError(t, err)
	require.NoError(t, first.a.SetRxMode(ctx, sp.RxModeAllMulti, sp.CompWait))

	saved, err := store.Load(0)
	require.NoError(t, err)
	wantEntries := []SnapshotEntry{
		{Queue: 0, Kind: "vlan", Key: sp.Key{VLAN: 42}, Class: "eth"},
		{Queue: 1, Kind: "mac", Key: sp.Key{MAC: sp.MustParseMAC("00:11:22:33:44:55")}, Class: "eth"},
	}
	if diff := cmp.Diff(wantEntries, saved.Entries, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("saved entries mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, first.a.Unload(ctx))

	second := newRig(t, testDevice("e2"), store, nil)
	require.NoError(t, second.a.Load(ctx))

	entries, err := second.a.Entries(1, sp.KindMAC)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	dump := second.fw.Snapshot()
	assert.Equal(t, []string{"00:11:22:33:44:55"}, dump.Clients[1].MACs)
	assert.Equal(t, []uint16{42}, dump.Clients[0].VLANs)
	assert.Equal(t, []int{245}, dump.McastBins)
	assert.Equal(t, "allmulti", second.a.RxMode())
	assert.Contains(t, dump.Clients[0].RxAccept, "all_multicast")
}

func TestAdapter_CorruptSnapshotIgnored(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "func-0.json"), []byte("{"), 0o600))

	r := newRig(t, testDevice("e2"), store, nil)
	require.NoError(t, r.a.Load(context.Background()))
	entries, err := r.a.Entries(0, sp.KindMAC)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
