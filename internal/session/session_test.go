package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dedupd/internal/client"
	"dedupd/internal/config"
	"dedupd/internal/container"
	"dedupd/internal/dedup"
	"dedupd/internal/kvstore"
	"dedupd/internal/observability"
	"dedupd/internal/readcache"
	"dedupd/internal/transport"
)

// One metrics registry per test binary; promauto registers globally.
var testMetrics = observability.NewMetrics()

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Close() error { return nil }

type testServer struct {
	mgr *Manager
	cfg *config.Config
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.RecipeRootPath = filepath.Join(dir, "recipes")
	cfg.Storage.ContainerRootPath = filepath.Join(dir, "containers")
	cfg.Transport.SendChunkBatchSize = 8
	cfg.Transport.SendRecipeBatchSize = 16
	cfg.Transport.ClientID = 7
	cfg.Crypto.LocalSecret = "test-secret"
	cfg.Chunking.ChunkingType = config.ChunkingFixed
	cfg.Chunking.AvgChunkSize = 4096

	store, err := container.NewStore(cfg.Storage.ContainerRootPath)
	require.NoError(t, err)
	cache, err := readcache.New(4, store)
	require.NoError(t, err)

	var dataKey, queryKey [32]byte
	_, err = rand.Read(dataKey[:])
	require.NoError(t, err)
	_, err = rand.Read(queryKey[:])
	require.NoError(t, err)

	tier, err := dedup.BuildTier(dedup.VariantFreq, newMemStore(), queryKey)
	require.NoError(t, err)

	mgr := NewManager(ManagerConfig{
		Config:   cfg,
		Logger:   observability.NewLogger("test", "0", io.Discard),
		Metrics:  testMetrics,
		DataKey:  dataKey,
		QueryKey: queryKey,
		Sketch:   dedup.NewSketch(),
		Heap:     dedup.NewHeap(1024),
		Tier:     tier,
		Store:    store,
		Cache:    cache,
	})

	listener, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	cfg.Transport.StorageServerIP = "127.0.0.1"
	cfg.Transport.StorageServerPort = listener.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			go mgr.Handle(ctx, conn)
		}
	}()

	return &testServer{mgr: mgr, cfg: cfg}
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// repetitivePayload builds content whose fixed-size chunks contain
// guaranteed duplicates: a few distinct 4 KiB blocks repeated many
// times, plus a short uneven tail.
func repetitivePayload(t *testing.T, distinct, repeats int) []byte {
	t.Helper()
	blocks := make([][]byte, distinct)
	for i := range blocks {
		blocks[i] = make([]byte, 4096)
		_, err := rand.Read(blocks[i])
		require.NoError(t, err)
	}
	var buf bytes.Buffer
	for r := 0; r < repeats; r++ {
		for _, b := range blocks {
			buf.Write(b)
		}
	}
	buf.WriteString("tail-bytes-not-a-full-chunk")
	return buf.Bytes()
}

func TestUploadRestoreRoundTrip(t *testing.T) {
	srv := startServer(t)
	log := observability.NewLogger("test-client", "0", io.Discard)

	data := repetitivePayload(t, 5, 10)
	path := writeTempFile(t, data)

	c, err := client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	res, err := c.Upload(path)
	require.NoError(t, err)
	c.Close()

	require.Equal(t, uint64(len(data)), res.FileSize)

	c2, err := client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	defer c2.Close()

	var restored bytes.Buffer
	n, err := c2.Restore(path, &restored)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), n)
	require.True(t, bytes.Equal(data, restored.Bytes()), "restored bytes differ from input")

	stats := srv.mgr.Stats()
	require.Equal(t, res.ChunkCount, stats.ChunksSeen)
	// 5 distinct blocks plus the short tail chunk.
	require.Equal(t, uint64(6), stats.ChunksUnique)
}

func TestRestoreMissingRecipe(t *testing.T) {
	srv := startServer(t)
	log := observability.NewLogger("test-client", "0", io.Discard)

	c, err := client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	defer c.Close()

	var out bytes.Buffer
	_, err = c.Restore("never-uploaded", &out)
	require.ErrorIs(t, err, client.ErrFileNotFound)
	require.Zero(t, out.Len())
}

func TestDedupAcrossSessions(t *testing.T) {
	srv := startServer(t)
	log := observability.NewLogger("test-client", "0", io.Discard)

	data := repetitivePayload(t, 4, 3)
	pathA := writeTempFile(t, data)
	pathB := filepath.Join(t.TempDir(), "copy.bin")
	require.NoError(t, os.WriteFile(pathB, data, 0o644))

	c, err := client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	first, err := c.Upload(pathA)
	require.NoError(t, err)
	c.Close()

	// The upload's tail is processed after the client's last write, so
	// wait for the server to account for it before reading counters.
	require.Eventually(t, func() bool {
		return srv.mgr.Stats().ChunksSeen == first.ChunkCount
	}, 5*time.Second, 10*time.Millisecond)
	afterFirst := srv.mgr.Stats().ChunksUnique

	c, err = client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	second, err := c.Upload(pathB)
	require.NoError(t, err)
	c.Close()

	require.Eventually(t, func() bool {
		return srv.mgr.Stats().ChunksSeen == first.ChunkCount+second.ChunkCount
	}, 5*time.Second, 10*time.Millisecond)

	// Same content under a different name: no new unique chunks.
	require.Equal(t, afterFirst, srv.mgr.Stats().ChunksUnique)

	// The second file restores correctly from shared containers.
	c, err = client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	defer c.Close()
	var restored bytes.Buffer
	_, err = c.Restore(pathB, &restored)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, restored.Bytes()))
}

func TestUploadOverwriteSameName(t *testing.T) {
	srv := startServer(t)
	log := observability.NewLogger("test-client", "0", io.Discard)

	first := repetitivePayload(t, 2, 2)
	second := repetitivePayload(t, 3, 2)
	path := writeTempFile(t, first)

	c, err := client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	_, err = c.Upload(path)
	require.NoError(t, err)
	c.Close()

	require.NoError(t, os.WriteFile(path, second, 0o644))
	c, err = client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	_, err = c.Upload(path)
	require.NoError(t, err)
	c.Close()

	c, err = client.Dial(context.Background(), srv.cfg, false, log)
	require.NoError(t, err)
	defer c.Close()
	var restored bytes.Buffer
	_, err = c.Restore(path, &restored)
	require.NoError(t, err)
	require.True(t, bytes.Equal(second, restored.Bytes()), "restore must reflect the overwriting upload")
}
