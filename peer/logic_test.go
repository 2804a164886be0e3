package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
)

type fakeTracker struct {
	mu        sync.Mutex
	manifest  *protocol.Manifest
	aliases   []string
	owners    map[int][]protocol.Owner
	queried   []int
	announced []int
}

func (f *fakeTracker) Metadata(ctx context.Context, stem string) (*protocol.Manifest, error) {
	for _, a := range f.aliases {
		if a == stem {
			return f.manifest, nil
		}
	}
	if f.manifest == nil || f.manifest.FileStem != stem {
		return nil, fmt.Errorf("%w: metadata %s", protocol.ErrNotFound, stem)
	}
	return f.manifest, nil
}

func (f *fakeTracker) Owners(ctx context.Context, stem string, index int) ([]protocol.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, index)
	return f.owners[index], nil
}

func (f *fakeTracker) Announce(ctx context.Context, stem string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, index)
	return nil
}

func (f *fakeTracker) setOwners(total int, owners ...protocol.Owner) {
	f.owners = make(map[int][]protocol.Owner)
	for i := 0; i < total; i++ {
		f.owners[i] = owners
	}
}

// fakeFetcher serves chunks from a source directory for the "good" owner,
// garbage for "liar", and an error for anyone else.
type fakeFetcher struct {
	mu    sync.Mutex
	dir   string
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, owner protocol.Owner, stem string, index int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%d", owner.PeerID, index))
	f.mu.Unlock()

	switch owner.PeerID {
	case "good", protocol.TrackerOwnerID:
		return os.ReadFile(filepath.Join(f.dir, protocol.ChunkName(stem, index)))
	case "liar":
		return []byte("not the chunk"), nil
	default:
		return nil, errors.New("connection refused")
	}
}

func (f *fakeFetcher) fetched(index int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	suffix := fmt.Sprintf("/%d", index)
	for _, c := range f.calls {
		if len(c) > len(suffix) && c[len(c)-len(suffix):] == suffix {
			out = append(out, c)
		}
	}
	return out
}

var (
	goodOwner = protocol.Owner{Kind: protocol.OwnerPeer, PeerID: "good", Host: "10.0.0.2", Port: 9000}
	deadOwner = protocol.Owner{Kind: protocol.OwnerPeer, PeerID: "dead", Host: "10.0.0.3", Port: 9000}
	liarOwner = protocol.Owner{Kind: protocol.OwnerPeer, PeerID: "liar", Host: "10.0.0.4", Port: 9000}
)

type harness struct {
	layout  storage.Layout
	data    []byte
	m       *protocol.Manifest
	tracker *fakeTracker
	fetcher *fakeFetcher
	orch    *Orchestrator
}

// newHarness chunks 20 bytes into 8-byte chunks (3 chunks) in a separate
// source directory and wires an orchestrator with an empty local store.
func newHarness(t *testing.T) *harness {
	t.Helper()
	srcDir := t.TempDir()
	data := []byte("abcdefghijklmnopqrst")
	src := filepath.Join(srcDir, "movie.bin")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}
	m, err := storage.BuildManifest(src, 8, srcDir)
	if err != nil {
		t.Fatal(err)
	}

	layout := storage.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	h := &harness{
		layout:  layout,
		data:    data,
		m:       m,
		tracker: &fakeTracker{manifest: m},
		fetcher: &fakeFetcher{dir: srcDir},
	}
	h.orch = NewOrchestrator(OrchestratorOpts{Layout: layout, Tracker: h.tracker, Fetcher: h.fetcher, SelfID: "me"})
	return h
}

func (h *harness) copyToReceived(t *testing.T, index int, data []byte) {
	t.Helper()
	if data == nil {
		var err error
		data, err = os.ReadFile(filepath.Join(h.fetcher.dir, protocol.ChunkName(h.m.FileStem, index)))
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(h.layout.ReceivedPath(h.m.FileStem, index), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) assertOutput(t *testing.T, res Result) {
	t.Helper()
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, h.data) {
		t.Fatalf("output %q, want %q", got, h.data)
	}
	if res.Path != h.layout.DownloadPath("movie.bin") {
		t.Fatalf("output path %s", res.Path)
	}
}

func TestDownloadFallsBackToNextOwner(t *testing.T) {
	h := newHarness(t)
	h.tracker.setOwners(3, deadOwner, goodOwner)

	progress := NewDownloadTracker()
	res := h.orch.Download(context.Background(), "movie", progress)
	if res.Outcome != Complete {
		t.Fatalf("outcome %s: %v", res.Outcome, res.Err)
	}
	h.assertOutput(t, res)

	if res.Fetched != 3 || res.Reused != 0 || res.FailedIndex != -1 || res.SessionID == "" {
		t.Fatalf("result %+v", res)
	}
	if len(h.tracker.announced) != 3 {
		t.Fatalf("announced %v", h.tracker.announced)
	}
	if !progress.IsComplete() || progress.Attempts() != 6 {
		t.Fatalf("progress complete=%v attempts=%d", progress.IsComplete(), progress.Attempts())
	}
	for i := 0; i < 3; i++ {
		ok, _ := storage.VerifyFile(h.layout.ReceivedPath("movie", i), h.m.Chunks[i].Hash)
		if !ok {
			t.Fatalf("received chunk %d not stored", i)
		}
	}
	// the manifest is kept for later repairs
	if _, err := os.Stat(h.layout.MetadataPath("movie")); err != nil {
		t.Fatalf("manifest not stored locally: %v", err)
	}
}

func TestDownloadStopsAtFirstUnsatisfiableChunk(t *testing.T) {
	h := newHarness(t)
	h.tracker.owners = map[int][]protocol.Owner{
		0: {goodOwner},
		1: {deadOwner, liarOwner},
		2: {goodOwner},
	}

	progress := NewDownloadTracker()
	res := h.orch.Download(context.Background(), "movie", progress)
	if res.Outcome != PartialFailure || res.FailedIndex != 1 {
		t.Fatalf("result %+v", res)
	}
	if !errors.Is(res.Err, protocol.ErrVerificationMismatch) {
		t.Fatalf("last error should be the mismatch: %v", res.Err)
	}
	if fmt.Sprint(h.tracker.queried) != "[0 1]" {
		t.Fatalf("owners queried for %v, chunk 2 must not be attempted", h.tracker.queried)
	}
	if len(h.fetcher.fetched(2)) != 0 {
		t.Fatalf("chunk 2 fetched: %v", h.fetcher.calls)
	}
	if _, err := os.Stat(h.layout.DownloadPath("movie.bin")); !os.IsNotExist(err) {
		t.Fatalf("partial download reassembled: %v", err)
	}
	if state, _ := progress.GetChunkStatus(1); state != ChunkFailed {
		t.Fatalf("chunk 1 state %s", state)
	}
}

func TestDownloadNoOwners(t *testing.T) {
	h := newHarness(t)
	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != PartialFailure || res.FailedIndex != 0 || !errors.Is(res.Err, protocol.ErrNotFound) {
		t.Fatalf("result %+v", res)
	}
}

func TestDownloadReusesVerifiedLocalChunks(t *testing.T) {
	h := newHarness(t)
	h.tracker.setOwners(3, goodOwner)
	h.copyToReceived(t, 0, nil)

	progress := NewDownloadTracker()
	res := h.orch.Download(context.Background(), "movie", progress)
	if res.Outcome != Complete || res.Reused != 1 || res.Fetched != 2 {
		t.Fatalf("result %+v", res)
	}
	h.assertOutput(t, res)
	if calls := h.fetcher.fetched(0); len(calls) != 0 {
		t.Fatalf("cached chunk fetched again: %v", calls)
	}
	if fmt.Sprint(h.tracker.announced) != "[0 1 2]" {
		t.Fatalf("cache hit must be re-announced: %v", h.tracker.announced)
	}
	if state, _ := progress.GetChunkStatus(0); state != ChunkCached {
		t.Fatalf("chunk 0 state %s", state)
	}
}

func TestDownloadRefetchesCorruptLocalChunk(t *testing.T) {
	h := newHarness(t)
	h.tracker.setOwners(3, liarOwner, goodOwner)
	h.copyToReceived(t, 1, []byte("corrupt!"))

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != Complete || res.Reused != 0 {
		t.Fatalf("result %+v", res)
	}
	h.assertOutput(t, res)
	if calls := h.fetcher.fetched(1); fmt.Sprint(calls) != "[liar/1 good/1]" {
		t.Fatalf("chunk 1 attempts %v", calls)
	}
}

func TestDownloadSkipsSelf(t *testing.T) {
	h := newHarness(t)
	self := protocol.Owner{Kind: protocol.OwnerPeer, PeerID: "me", Host: "127.0.0.1", Port: 9000}
	h.tracker.setOwners(3, self, goodOwner)

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != Complete {
		t.Fatalf("result %+v", res)
	}
	for _, c := range h.fetcher.calls {
		if c[:3] == "me/" {
			t.Fatalf("fetched from self: %v", h.fetcher.calls)
		}
	}
}

func TestDownloadFromTrackerOwner(t *testing.T) {
	h := newHarness(t)
	h.tracker.setOwners(3, protocol.TrackerOwner("10.0.0.1", 8000), deadOwner)

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != Complete || res.Fetched != 3 {
		t.Fatalf("result %+v", res)
	}
	if len(h.fetcher.calls) != 3 {
		t.Fatalf("tracker listed first should satisfy every chunk: %v", h.fetcher.calls)
	}
}

func TestRepairFetchesOnlyMissingChunks(t *testing.T) {
	h := newHarness(t)
	h.tracker.owners = map[int][]protocol.Owner{0: {goodOwner}, 1: {goodOwner}, 2: {deadOwner}}

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != PartialFailure || res.FailedIndex != 2 {
		t.Fatalf("first pass %+v", res)
	}

	h.tracker.setOwners(3, goodOwner)
	h.fetcher.calls = nil
	res = h.orch.Repair(context.Background(), "movie", nil)
	if res.Outcome != Complete || res.Fetched != 1 || res.Reused != 2 {
		t.Fatalf("repair %+v", res)
	}
	h.assertOutput(t, res)
	if fmt.Sprint(h.fetcher.calls) != "[good/2]" {
		t.Fatalf("repair fetched %v", h.fetcher.calls)
	}
}

func TestDownloadMetadataMissing(t *testing.T) {
	h := newHarness(t)
	h.tracker.manifest = nil

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != MetadataMissing || !errors.Is(res.Err, protocol.ErrNotFound) {
		t.Fatalf("result %+v", res)
	}
	if len(h.tracker.queried) != 0 {
		t.Fatalf("owners queried without a manifest: %v", h.tracker.queried)
	}
}

func TestDownloadUsesLocalManifestWhenTrackerHasNone(t *testing.T) {
	h := newHarness(t)
	if _, err := storage.NewMetadataStore(h.layout.MetadataDir()).Save(h.m); err != nil {
		t.Fatal(err)
	}
	h.tracker.manifest = nil
	h.tracker.setOwners(3, goodOwner)

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != Complete {
		t.Fatalf("result %+v", res)
	}
	h.assertOutput(t, res)
}

func TestDownloadReassemblyFailed(t *testing.T) {
	h := newHarness(t)
	h.tracker.setOwners(3, goodOwner)

	// a regular file where the downloads directory should be
	os.RemoveAll(h.layout.DownloadsDir())
	if err := os.WriteFile(h.layout.DownloadsDir(), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != ReassemblyFailed || res.Err == nil {
		t.Fatalf("result %+v", res)
	}
	if res.Fetched != 3 {
		t.Fatalf("fetch should have completed before reassembly: %+v", res)
	}
}

func TestDownloadEmptyManifest(t *testing.T) {
	h := newHarness(t)
	h.tracker.manifest = &protocol.Manifest{
		OriginalName: "empty.txt",
		FileStem:     "empty",
		MimeType:     "text/plain",
		Chunks:       []protocol.Chunk{},
	}

	progress := NewDownloadTracker()
	res := h.orch.Download(context.Background(), "empty", progress)
	if res.Outcome != Complete {
		t.Fatalf("result %+v", res)
	}
	fi, err := os.Stat(res.Path)
	if err != nil || fi.Size() != 0 {
		t.Fatalf("empty output: %v %v", fi, err)
	}
	if !progress.IsComplete() {
		t.Fatal("empty download should be complete")
	}
}

func TestDownloadRecordsOutcome(t *testing.T) {
	h := newHarness(t)
	state, err := storage.OpenStateStore(filepath.Join(t.TempDir(), StateFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	h.orch = NewOrchestrator(OrchestratorOpts{Layout: h.layout, Tracker: h.tracker, Fetcher: h.fetcher, State: state})
	h.tracker.owners = map[int][]protocol.Owner{0: {goodOwner}}

	res := h.orch.Download(context.Background(), "movie", nil)
	if res.Outcome != PartialFailure {
		t.Fatalf("result %+v", res)
	}
	recs, err := state.Downloads()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != "partial_failure" || recs[0].FailedIndex != 1 || recs[0].SessionID != res.SessionID {
		t.Fatalf("records %+v", recs)
	}
}

func TestConcurrentDownloadsOfSameStem(t *testing.T) {
	h := newHarness(t)
	h.tracker.setOwners(3, goodOwner)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.Download(context.Background(), "movie", nil)
		}(i)
	}
	wg.Wait()

	fetched := 0
	for _, res := range results {
		if res.Outcome != Complete {
			t.Fatalf("result %+v", res)
		}
		fetched += res.Fetched
	}
	// serialized per stem: later sessions find verified local copies
	if fetched != 3 {
		t.Fatalf("chunks fetched across sessions: %d", fetched)
	}
	h.assertOutput(t, results[0])
}

func TestConcurrentDownloadsOfAliasedStem(t *testing.T) {
	h := newHarness(t)
	h.tracker.aliases = []string{"movie.bin", "movie%2Ebin"}
	h.tracker.setOwners(3, goodOwner)

	names := []string{"movie", "movie.bin", "movie%2Ebin", "movie"}
	var wg sync.WaitGroup
	results := make([]Result, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = h.orch.Download(context.Background(), name, nil)
		}(i, name)
	}
	wg.Wait()

	fetched := 0
	for _, res := range results {
		if res.Outcome != Complete || res.FileStem != "movie" {
			t.Fatalf("result %+v", res)
		}
		fetched += res.Fetched
	}
	if fetched != 3 {
		t.Fatalf("chunks fetched across sessions: %d", fetched)
	}
	h.assertOutput(t, results[0])
}

func TestAnnounceHeldSkipsUnverifiedCopies(t *testing.T) {
	h := newHarness(t)
	if _, err := storage.NewMetadataStore(h.layout.MetadataDir()).Save(h.m); err != nil {
		t.Fatal(err)
	}
	h.copyToReceived(t, 0, nil)
	h.copyToReceived(t, 2, []byte("corrupt!"))

	n, err := h.orch.AnnounceHeld(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(h.tracker.announced) != 1 || h.tracker.announced[0] != 0 {
		t.Fatalf("announced %d: %v", n, h.tracker.announced)
	}
}

func TestFetchSendsCredentialsToTrackerOnly(t *testing.T) {
	var mu sync.Mutex
	queries := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries[r.URL.Path] = r.URL.RawQuery
		mu.Unlock()
		w.Write([]byte("chunk"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	c := NewTrackerClient(srv.URL, time.Second)
	c.SetCredentials("me", "secret")
	ctx := context.Background()

	peerOwner := protocol.Owner{Kind: protocol.OwnerPeer, PeerID: "other", Host: u.Hostname(), Port: port}
	if _, err := c.Fetch(ctx, peerOwner, "p", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(ctx, protocol.TrackerOwner(u.Hostname(), port), "t", 0); err != nil {
		t.Fatal(err)
	}

	if q := queries["/chunk/p/0"]; q != "" {
		t.Fatalf("peer owner got query %q", q)
	}
	if q := queries["/chunk/t/0"]; !strings.Contains(q, "token=secret") || !strings.Contains(q, "peer_id=me") {
		t.Fatalf("tracker owner got query %q", q)
	}
}
