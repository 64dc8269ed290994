package trust

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/benbjohnson/clock"
)

func testPeer(b byte) crypto.PeerID {
	var id crypto.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func openStore(t *testing.T, path string, clk clock.Clock) *Store {
	t.Helper()
	st, err := Open(path, clk)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "trust.json")
}

func TestOpen_Missing(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	if st.Count() != 0 {
		t.Errorf("Count() = %d, want 0", st.Count())
	}
}

func TestOpen_Corrupted(t *testing.T) {
	path := storePath(t)
	if err := os.WriteFile(path, []byte("{{{"), 0600); err != nil {
		t.Fatal(err)
	}

	st := openStore(t, path, nil)
	if st.Count() != 0 {
		t.Errorf("Count() = %d, want 0", st.Count())
	}
	if _, err := os.Stat(path + backupFileSuffix); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestOpen_NewerVersion(t *testing.T) {
	path := storePath(t)
	if err := os.WriteFile(path, []byte(`{"version": 99, "peers": {}}`), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path, nil)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Open() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestTrust(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	peer := testPeer(1)

	if st.IsTrusted(peer) {
		t.Fatal("unknown peer reported trusted")
	}
	if err := st.Trust(peer, "phone", map[string]string{"app": "x"}); err != nil {
		t.Fatalf("Trust() failed: %v", err)
	}
	if !st.IsTrusted(peer) {
		t.Fatal("trusted peer not reported trusted")
	}

	e, err := st.Get(peer)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if e.Label != "phone" || e.Metadata["app"] != "x" {
		t.Errorf("entry = %+v", e)
	}
	if !e.PairedAt.IsZero() {
		t.Error("PairedAt set for a directly trusted peer")
	}

	// An empty label and nil metadata keep the previous values.
	if err := st.Trust(peer, "", nil); err != nil {
		t.Fatal(err)
	}
	e, _ = st.Get(peer)
	if e.Label != "phone" || e.Metadata["app"] != "x" {
		t.Errorf("entry after update = %+v", e)
	}
}

func TestTrust_ZeroPeer(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	if err := st.Trust(crypto.PeerID{}, "", nil); err == nil {
		t.Error("Trust(zero) succeeded")
	}
}

func TestRecordPairing(t *testing.T) {
	mock := clock.NewMock()
	st := openStore(t, storePath(t), mock)
	peer := testPeer(2)

	if err := st.RecordPairing(peer); err != nil {
		t.Fatal(err)
	}
	e, _ := st.Get(peer)
	if !e.PairedAt.Equal(mock.Now()) {
		t.Errorf("PairedAt = %v, want %v", e.PairedAt, mock.Now())
	}
}

func TestRevoke(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	peer := testPeer(3)
	st.Trust(peer, "", nil)

	if err := st.Revoke(peer); err != nil {
		t.Fatal(err)
	}
	if st.IsTrusted(peer) {
		t.Error("revoked peer reported trusted")
	}
	if err := st.Trust(peer, "", nil); !errors.Is(err, ErrRevoked) {
		t.Errorf("Trust(revoked) error = %v, want ErrRevoked", err)
	}
	if got := len(st.List()); got != 0 {
		t.Errorf("len(List()) = %d, want 0", got)
	}
	if got := len(st.ListAll()); got != 1 {
		t.Errorf("len(ListAll()) = %d, want 1", got)
	}

	if err := st.Restore(peer); err != nil {
		t.Fatal(err)
	}
	if !st.IsTrusted(peer) {
		t.Error("restored peer not trusted")
	}

	if err := st.Revoke(testPeer(9)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	peer := testPeer(4)
	st.Trust(peer, "", nil)

	if err := st.Remove(peer); err != nil {
		t.Fatal(err)
	}
	if st.IsTrusted(peer) {
		t.Error("removed peer still trusted")
	}
	if err := st.Remove(peer); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
	if _, err := st.Get(peer); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	peer := testPeer(5)
	st.Trust(peer, "", map[string]string{"k": "v"})

	e, _ := st.Get(peer)
	e.Metadata["k"] = "changed"

	again, _ := st.Get(peer)
	if again.Metadata["k"] != "v" {
		t.Error("Get() returned a shared entry")
	}
}

func TestList_Sorted(t *testing.T) {
	st := openStore(t, storePath(t), nil)
	for _, b := range []byte{9, 1, 5} {
		st.Trust(testPeer(b), "", nil)
	}

	list := st.List()
	if len(list) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(list))
	}
	for i, want := range []byte{1, 5, 9} {
		if list[i].PeerID != testPeer(want) {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].PeerID.ShortString(), testPeer(want).ShortString())
		}
	}
}

func TestAuthorize(t *testing.T) {
	mock := clock.NewMock()
	st := openStore(t, storePath(t), mock)
	peer := testPeer(6)

	if err := st.Authorize(peer); !errors.Is(err, ErrNotTrusted) {
		t.Errorf("Authorize(unknown) error = %v, want ErrNotTrusted", err)
	}

	st.Trust(peer, "", nil)
	mock.Add(time.Hour)
	if err := st.Authorize(peer); err != nil {
		t.Fatalf("Authorize() failed: %v", err)
	}
	e, _ := st.Get(peer)
	if !e.LastSeen.Equal(mock.Now()) {
		t.Errorf("LastSeen = %v, want %v", e.LastSeen, mock.Now())
	}

	st.Revoke(peer)
	if err := st.Authorize(peer); !errors.Is(err, ErrNotTrusted) {
		t.Errorf("Authorize(revoked) error = %v, want ErrNotTrusted", err)
	}
}

func TestPersistence(t *testing.T) {
	path := storePath(t)
	st, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	st.Trust(testPeer(1), "a", nil)
	st.RecordPairing(testPeer(2))
	st.Revoke(testPeer(2))
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened := openStore(t, path, nil)
	if !reopened.IsTrusted(testPeer(1)) {
		t.Error("trusted peer lost across reopen")
	}
	if reopened.IsTrusted(testPeer(2)) {
		t.Error("revocation lost across reopen")
	}
	e, err := reopened.Get(testPeer(2))
	if err != nil {
		t.Fatal(err)
	}
	if e.PairedAt.IsZero() {
		t.Error("PairedAt lost across reopen")
	}
}

func TestTouch_Batched(t *testing.T) {
	path := storePath(t)
	mock := clock.NewMock()
	st := openStore(t, path, mock)
	peer := testPeer(7)
	st.Trust(peer, "", nil)

	mock.Add(time.Second)
	if err := st.Touch(peer); err != nil {
		t.Fatal(err)
	}

	// Not yet on disk.
	other := openStore(t, path, nil)
	e, _ := other.Get(peer)
	if !e.LastSeen.IsZero() {
		t.Fatal("Touch() was written through")
	}

	if err := st.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := other.Reload(); err != nil {
		t.Fatal(err)
	}
	e, _ = other.Get(peer)
	if e.LastSeen.IsZero() {
		t.Error("Flush() did not persist LastSeen")
	}

	if err := st.Touch(testPeer(8)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestFlushLoop(t *testing.T) {
	path := storePath(t)
	mock := clock.NewMock()
	st := openStore(t, path, mock)
	peer := testPeer(7)
	st.Trust(peer, "", nil)
	st.Touch(peer)

	mock.Add(flushInterval)

	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		var data storeData
		if err := json.Unmarshal(raw, &data); err != nil {
			t.Fatal(err)
		}
		if e := data.Peers[peer.String()]; e != nil && !e.LastSeen.IsZero() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("background flush did not persist LastSeen")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJSONFormat(t *testing.T) {
	path := storePath(t)
	st := openStore(t, path, nil)
	peer := testPeer(0xab)
	st.Trust(peer, "lamp", nil)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Version int                        `json:"version"`
		Peers   map[string]json.RawMessage `json:"peers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != currentVersion {
		t.Errorf("version = %d, want %d", doc.Version, currentVersion)
	}

	var fields map[string]any
	if err := json.Unmarshal(doc.Peers[peer.String()], &fields); err != nil {
		t.Fatal(err)
	}
	if fields["peer_id"] != peer.String() {
		t.Errorf("peer_id = %v, want %s", fields["peer_id"], peer)
	}
	if fields["label"] != "lamp" {
		t.Errorf("label = %v, want lamp", fields["label"])
	}
}

func TestEntry_UnmarshalBadPeerID(t *testing.T) {
	var e Entry
	if err := json.Unmarshal([]byte(`{"peer_id": "zz"}`), &e); err == nil {
		t.Error("Unmarshal accepted a bad peer id")
	}
}

func TestDirectoryCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "trust.json")
	st := openStore(t, path, nil)
	if err := st.Trust(testPeer(1), "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("store file not created: %v", err)
	}
	if _, err := os.Stat(path + lockFileSuffix); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
}

func TestConcurrency(t *testing.T) {
	st := openStore(t, storePath(t), nil)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			peer := testPeer(b)
			if err := st.Trust(peer, "", nil); err != nil {
				t.Errorf("Trust() failed: %v", err)
				return
			}
			_ = st.Touch(peer)
			_ = st.IsTrusted(peer)
			_ = st.List()
		}(byte(i))
	}
	wg.Wait()

	if st.Count() != 20 {
		t.Errorf("Count() = %d, want 20", st.Count())
	}
}

func TestSharedFile(t *testing.T) {
	path := storePath(t)
	a := openStore(t, path, nil)
	b := openStore(t, path, nil)

	if err := a.Trust(testPeer(1), "", nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Reload(); err != nil {
		t.Fatal(err)
	}
	if !b.IsTrusted(testPeer(1)) {
		t.Error("second handle did not see the first handle's write")
	}
}
