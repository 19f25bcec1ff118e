// Package session implements the server-side session manager: it
// accepts a framed connection, performs the P-256 session-key
// handshake, enforces one live post-login session per tenant, and
// dispatches to the upload or restore path.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"dedupd/internal/config"
	"dedupd/internal/container"
	"dedupd/internal/crypto"
	"dedupd/internal/dedup"
	"dedupd/internal/keyoracle"
	"dedupd/internal/observability"
	"dedupd/internal/ratelimit"
	"dedupd/internal/readcache"
	"dedupd/internal/sealstore"
	"dedupd/internal/sketch"
	"dedupd/internal/topk"
	"dedupd/internal/transport"
	"dedupd/internal/wire"
)

var (
	// ErrProtocol reports a frame whose type or size is wrong for the
	// session's current state; fatal for the session.
	ErrProtocol = errors.New("session: protocol violation")

	// ErrAuth reports a GCM tag mismatch on a session frame; fatal for
	// the session.
	ErrAuth = errors.New("session: frame authentication failed")

	// ErrFileNotFound reports a restore login for a recipe that does not
	// exist; the client receives ServerFileNonExist and the connection
	// closes cleanly.
	ErrFileNotFound = errors.New("session: recipe not found")
)

// Manager owns the process-wide state every connection shares: the
// frequency index (sketch + heap + tier), the container store and read
// cache, the enclave keys, and the tenant lock table.
type Manager struct {
	cfg     *config.Config
	log     *observability.Logger
	metrics *observability.Metrics

	dataKey  [32]byte
	queryKey [32]byte

	sketch *sketch.Sketch
	heap   *topk.Heap
	tier   dedup.Tier

	store *container.Store
	cache *readcache.Cache

	oracle  keyoracle.Oracle
	sessLog *Log
	limiter *ratelimit.TokenBucket

	tenants *tenantTable

	multiTenant bool
	statsMu     sync.Mutex
	stats       sealstore.Stats
}

// ManagerConfig bundles the dependencies a Manager needs; the server
// entrypoint assembles this from configuration and the sealed keystore.
type ManagerConfig struct {
	Config   *config.Config
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	DataKey  [32]byte
	QueryKey [32]byte
	Sketch   *sketch.Sketch
	Heap     *topk.Heap
	Tier     dedup.Tier
	Store    *container.Store
	Cache    *readcache.Cache

	Oracle      keyoracle.Oracle     // nil when no key-oracle is configured
	SessionLog  *Log                 // nil disables the sqlite session log
	Limiter     *ratelimit.TokenBucket // nil disables ingest rate limiting
	MultiTenant bool
}

// NewManager builds a Manager from an assembled ManagerConfig.
func NewManager(mc ManagerConfig) *Manager {
	return &Manager{
		cfg:         mc.Config,
		log:         mc.Logger,
		metrics:     mc.Metrics,
		dataKey:     mc.DataKey,
		queryKey:    mc.QueryKey,
		sketch:      mc.Sketch,
		heap:        mc.Heap,
		tier:        mc.Tier,
		store:       mc.Store,
		cache:       mc.Cache,
		oracle:      mc.Oracle,
		sessLog:     mc.SessionLog,
		limiter:     mc.Limiter,
		tenants:     newTenantTable(),
		multiTenant: mc.MultiTenant,
	}
}

// Stats returns a snapshot of the aggregate counters accumulated by
// completed upload sessions, for sealing at shutdown.
func (m *Manager) Stats() sealstore.Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) mergeStats(s sealstore.Stats) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.ChunksSeen += s.ChunksSeen
	m.stats.ChunksUnique += s.ChunksUnique
	m.stats.BytesStored += s.BytesStored
}

// Handle runs one connection through the full session state machine.
// It always closes conn before returning. A clean peer close at any
// point before login is not an error.
func (m *Manager) Handle(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	started := time.Now()
	defer func() {
		m.metrics.SessionDuration.Observe(time.Since(started).Seconds())
	}()

	sessionID := uuid.New().String()
	log := m.log.WithSession(sessionID)
	log.ConnectionEstablished(conn.RemoteAddr().String())
	m.metrics.RecordSessionStart()

	cs, err := m.handshake(conn, sessionID)
	if err != nil {
		m.metrics.RecordSessionComplete("", false)
		if errors.Is(err, io.EOF) {
			log.Debug("peer closed before login")
			return nil
		}
		log.Error(err, "handshake failed")
		return err
	}
	log = log.WithClient(cs.ClientID)

	// One live post-login session per tenant: a second connection with
	// the same client id blocks here until the first finishes.
	if !m.tenants.tryAcquire(cs.ClientID) {
		log.TenantLockWait(cs.ClientID)
		m.tenants.acquire(cs.ClientID)
	}
	defer m.tenants.release(cs.ClientID)

	switch cs.Mode {
	case ModeUpload:
		err = m.handleUpload(ctx, cs, log)
	case ModeDownload:
		err = m.handleRestore(ctx, cs, log)
	default:
		err = fmt.Errorf("%w: mode %d after login", ErrProtocol, cs.Mode)
	}

	switch {
	case err == nil:
		m.metrics.RecordSessionComplete(cs.Mode.String(), true)
		return nil
	case errors.Is(err, ErrFileNotFound):
		m.metrics.RecordSessionComplete(cs.Mode.String(), true)
		log.Info("restore login for missing recipe; closed cleanly")
		return nil
	case errors.Is(err, io.EOF):
		m.metrics.RecordSessionComplete(cs.Mode.String(), false)
		log.Warn("peer closed mid-session; buffers discarded")
		return nil
	default:
		m.metrics.RecordSessionComplete(cs.Mode.String(), false)
		log.Error(err, "session aborted")
		return err
	}
}

// handshake walks the pre-login half of the state machine: the
// attestation decision, the ECDH exchange, and the login frame.
func (m *Manager) handshake(conn transport.Conn, sessionID string) (*ClientState, error) {
	// Attestation decision. No enclave runtime is wired in, so a client
	// asking for remote attestation is told it is unsupported and the
	// exchange continues with plain ECDH.
	f, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	switch f.Header.MessageType {
	case wire.SgxRaNeed:
		reply := wire.Header{MessageType: wire.SgxRaNotSupport, ClientID: f.Header.ClientID}
		if err := wire.WriteFrame(conn, reply, nil); err != nil {
			return nil, err
		}
	case wire.SgxRaNotNeed:
		reply := wire.Header{MessageType: wire.SgxRaNotNeed, ClientID: f.Header.ClientID}
		if err := wire.WriteFrame(conn, reply, nil); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: expected attestation decision, got %s", ErrProtocol, f.Header.MessageType)
	}

	// ECDH session-key exchange.
	f, err = wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if f.Header.MessageType != wire.SessionKeyInit {
		return nil, fmt.Errorf("%w: expected SessionKeyInit, got %s", ErrProtocol, f.Header.MessageType)
	}
	clientPub, err := crypto.ParseP256Public(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad client public key: %v", ErrProtocol, err)
	}
	kp, err := crypto.GenerateP256()
	if err != nil {
		return nil, fmt.Errorf("session: generate keypair: %w", err)
	}
	shared, err := kp.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH: %v", ErrProtocol, err)
	}
	keys, err := crypto.DeriveSessionKeys(shared, f.Header.ClientID)
	if err != nil {
		return nil, fmt.Errorf("session: derive keys: %w", err)
	}
	reply := wire.Header{MessageType: wire.SessionKeyReply, ClientID: f.Header.ClientID}
	if err := wire.WriteFrame(conn, reply, kp.Public.Bytes()); err != nil {
		return nil, err
	}

	// Login.
	f, err = wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	var mode Mode
	switch f.Header.MessageType {
	case wire.ClientLoginUpload:
		mode = ModeUpload
	case wire.ClientLoginDownload:
		mode = ModeDownload
	default:
		return nil, fmt.Errorf("%w: expected login, got %s", ErrProtocol, f.Header.MessageType)
	}
	login, err := wire.DecodeLoginPayload(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	cs := newClientState(conn, sessionID, f.Header.ClientID, mode, keys)
	cs.FileNameHash = login.FileNameHash
	masterKey, err := cs.openControl(login.EncMasterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", ErrAuth, err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("%w: master key length %d", ErrProtocol, len(masterKey))
	}
	copy(cs.MasterKey[:], masterKey)
	return cs, nil
}
