package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithClient adds client_id context to logger.
func (l *Logger) WithClient(clientID uint32) *Logger {
	return &Logger{
		logger: l.logger.With().Uint32("client_id", clientID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ConnectionEstablished logs a newly accepted connection.
func (l *Logger) ConnectionEstablished(remoteAddr string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Msg("connection established")
}

// TenantLockWait logs that a session is blocked on its tenant lease.
func (l *Logger) TenantLockWait(clientID uint32) {
	l.logger.Info().
		Uint32("client_id", clientID).
		Msg("waiting for tenant lock held by an earlier session")
}

// UploadStarted logs the start of an upload session.
func (l *Logger) UploadStarted(fileHash string) {
	l.logger.Info().
		Str("file_hash", fileHash).
		Msg("upload session started")
}

// RecipeFinalized logs a completed upload.
func (l *Logger) RecipeFinalized(fileHash string, chunksSeen, chunksUnique uint64, elapsed time.Duration) {
	dedupRatio := 0.0
	if chunksSeen > 0 {
		dedupRatio = 1 - float64(chunksUnique)/float64(chunksSeen)
	}
	l.logger.Info().
		Str("file_hash", fileHash).
		Uint64("chunks_seen", chunksSeen).
		Uint64("chunks_unique", chunksUnique).
		Float64("dedup_ratio", dedupRatio).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("recipe finalized")
}

// ContainerFlushed logs one container write.
func (l *Logger) ContainerFlushed(containerID string, size uint32) {
	l.logger.Debug().
		Str("container_id", containerID).
		Uint32("size", size).
		Msg("container flushed")
}

// RestoreStarted logs the start of a restore session.
func (l *Logger) RestoreStarted(fileHash string, fileSize, chunkCount uint64) {
	l.logger.Info().
		Str("file_hash", fileHash).
		Uint64("file_size", fileSize).
		Uint64("chunk_count", chunkCount).
		Msg("restore session started")
}

// RestoreCompleted logs a finished restore.
func (l *Logger) RestoreCompleted(fileHash string, fileSize, chunkCount uint64, elapsed time.Duration) {
	l.logger.Info().
		Str("file_hash", fileHash).
		Uint64("file_size", fileSize).
		Uint64("chunk_count", chunkCount).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("restore completed")
}

// ChunkDecryptFailed logs a chunk authentication failure during restore.
func (l *Logger) ChunkDecryptFailed(fileHash string, containerID string, err error) {
	l.logger.Error().
		Str("file_hash", fileHash).
		Str("container_id", containerID).
		Err(err).
		Msg("chunk decryption failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
