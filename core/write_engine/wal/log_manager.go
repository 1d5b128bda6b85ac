// Package wal implements the write-ahead log used to make committed write
// batches durable. Records are appended to a single segment file, each one
// framed with its length and a CRC32 checksum so that a torn tail left by a
// crash is detected and truncated on the next open.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// LSN is a Log Sequence Number. LSNs are 1-based and strictly sequential.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeCommitBatch LogRecordType = iota + 1 // Write batch of a committed transaction
	LogRecordTypeBindName                             // Name bound outside of a transaction
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeCommitBatch:
		return "COMMIT_BATCH"
	case LogRecordTypeBindName:
		return "BIND_NAME"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

var (
	ErrLogClosed         = errors.New("log manager is closed")
	ErrChecksumMismatch  = errors.New("log record checksum mismatch")
	ErrLogRecordTooLarge = errors.New("log record too large")
)

const (
	frameHeaderSize    = 8 // length + crc
	recordFixedSize    = 8 + 8 + 8 + 1 + 4
	maxRecordSize      = 1 << 30 // sanity bound on a single frame
	segmentFileName    = "wal-00000000000000000001.log"
	defaultLogFileMode = 0o644
)

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN   LSN
	TxnID uint64 // Transaction ID (0 if not part of a transaction)
	AppID uint64
	Type  LogRecordType
	Data  []byte
}

// LogManager manages the Write-Ahead Log file.
type LogManager struct {
	logDir     string
	logFile    *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	currentLSN LSN // last LSN written
	syncWrites bool
	closed     bool
	logger     *zap.Logger
}

// NewLogManager opens (or creates) the log in logDir. Existing records are
// scanned to find the last LSN; a partially written trailing record is cut
// off. When syncWrites is set every append is fsynced before it returns.
func NewLogManager(logDir string, logger *zap.Logger, syncWrites bool) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, segmentFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, defaultLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}

	lm := &LogManager{
		logDir:     logDir,
		logFile:    f,
		syncWrites: syncWrites,
		logger:     logger.Named("wal"),
	}

	validEnd, lastLSN, err := lm.scan(nil)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat log segment: %w", err)
	}
	if info.Size() > validEnd {
		lm.logger.Warn("truncating torn tail of write-ahead log",
			zap.Int64("valid_bytes", validEnd), zap.Int64("file_bytes", info.Size()))
		if err := f.Truncate(validEnd); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to truncate torn log tail: %w", err)
		}
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to seek log segment: %w", err)
	}
	lm.writer = bufio.NewWriter(f)
	lm.currentLSN = lastLSN

	lm.logger.Info("log manager initialized", zap.String("dir", logDir), zap.Uint64("last_lsn", uint64(lastLSN)))
	return lm, nil
}

// GetCurrentLSN returns the LSN of the last appended record.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// AppendRecord assigns the next LSN to lr and writes it to the log.
func (lm *LogManager) AppendRecord(lr *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}

	lr.LSN = lm.currentLSN + 1
	frame, err := lr.Serialize()
	if err != nil {
		return InvalidLSN, err
	}
	if _, err := lm.writer.Write(frame); err != nil {
		return InvalidLSN, fmt.Errorf("failed to write log record: %w", err)
	}
	if err := lm.writer.Flush(); err != nil {
		return InvalidLSN, fmt.Errorf("failed to flush log record: %w", err)
	}
	if lm.syncWrites {
		if err := lm.logFile.Sync(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to sync log segment: %w", err)
		}
	}
	lm.currentLSN = lr.LSN

	lm.logger.Debug("appended log record",
		zap.Uint64("lsn", uint64(lr.LSN)), zap.Stringer("type", lr.Type),
		zap.Uint64("txn_id", lr.TxnID), zap.Int("size", len(frame)))
	return lr.LSN, nil
}

// Sync forces every appended record to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	if err := lm.writer.Flush(); err != nil {
		return err
	}
	return lm.logFile.Sync()
}

// Replay calls fn for every record in LSN order.
func (lm *LogManager) Replay(fn func(*LogRecord) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	if err := lm.writer.Flush(); err != nil {
		return err
	}
	_, _, err := lm.scan(fn)
	if err != nil {
		return err
	}
	_, err = lm.logFile.Seek(0, io.SeekEnd)
	return err
}

// scan reads the segment from the start and returns the offset just past the
// last intact record together with that record's LSN. A short or corrupt
// frame ends the scan; it is treated as a torn write.
func (lm *LogManager) scan(fn func(*LogRecord) error) (int64, LSN, error) {
	if _, err := lm.logFile.Seek(0, io.SeekStart); err != nil {
		return 0, InvalidLSN, fmt.Errorf("failed to seek log segment: %w", err)
	}
	reader := bufio.NewReader(lm.logFile)
	var offset int64
	var last LSN
	for {
		lr, n, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrChecksumMismatch) {
				if !errors.Is(err, io.EOF) {
					lm.logger.Warn("stopping log scan at damaged record", zap.Int64("offset", offset), zap.Error(err))
				}
				return offset, last, nil
			}
			return 0, InvalidLSN, err
		}
		if fn != nil {
			if err := fn(lr); err != nil {
				return 0, InvalidLSN, fmt.Errorf("replay of lsn %d failed: %w", lr.LSN, err)
			}
		}
		offset += int64(n)
		last = lr.LSN
	}
}

func readFrame(r *bufio.Reader) (*LogRecord, int, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if size > maxRecordSize || size < recordFixedSize {
		return nil, 0, ErrChecksumMismatch
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, 0, ErrChecksumMismatch
	}
	lr, err := DecodeLogRecord(payload)
	if err != nil {
		return nil, 0, err
	}
	return lr, frameHeaderSize + int(size), nil
}

// Close flushes and syncs the log, then closes the segment file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	if err := lm.writer.Flush(); err != nil {
		_ = lm.logFile.Close()
		return fmt.Errorf("failed to flush log on close: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		_ = lm.logFile.Close()
		return fmt.Errorf("failed to sync log on close: %w", err)
	}
	return lm.logFile.Close()
}

// --- LogRecord Serialization/Deserialization ---

// Serialize converts a LogRecord into a checksummed frame.
// This format must be stable for recovery.
func (lr *LogRecord) Serialize() ([]byte, error) {
	if len(lr.Data) > maxRecordSize-recordFixedSize {
		return nil, ErrLogRecordTooLarge
	}
	payload := new(bytes.Buffer)
	payload.Grow(recordFixedSize + len(lr.Data))
	_ = binary.Write(payload, binary.LittleEndian, uint64(lr.LSN))
	_ = binary.Write(payload, binary.LittleEndian, lr.TxnID)
	_ = binary.Write(payload, binary.LittleEndian, lr.AppID)
	payload.WriteByte(byte(lr.Type))
	_ = binary.Write(payload, binary.LittleEndian, uint32(len(lr.Data)))
	payload.Write(lr.Data)

	frame := make([]byte, frameHeaderSize, frameHeaderSize+payload.Len())
	binary.LittleEndian.PutUint32(frame[0:4], uint32(payload.Len()))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload.Bytes()))
	return append(frame, payload.Bytes()...), nil
}

// DecodeLogRecord parses a frame payload (without the frame header).
func DecodeLogRecord(payload []byte) (*LogRecord, error) {
	if len(payload) < recordFixedSize {
		return nil, fmt.Errorf("log record payload too short: %d bytes", len(payload))
	}
	lr := &LogRecord{
		LSN:   LSN(binary.LittleEndian.Uint64(payload[0:8])),
		TxnID: binary.LittleEndian.Uint64(payload[8:16]),
		AppID: binary.LittleEndian.Uint64(payload[16:24]),
		Type:  LogRecordType(payload[24]),
	}
	dataLen := binary.LittleEndian.Uint32(payload[25:29])
	if int(dataLen) != len(payload)-recordFixedSize {
		return nil, fmt.Errorf("log record data length %d does not match payload", dataLen)
	}
	lr.Data = append([]byte(nil), payload[recordFixedSize:]...)
	return lr, nil
}
