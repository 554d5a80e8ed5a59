// Package transfer implements the chunked upload relay: upload admission,
// chunk ingest and fan-out, per-chunk acknowledgment tracking with retry and
// timeout escalation, cancellation, and completion.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/metrics"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/storage"
)

const (
	// DefaultMaxFileSize caps a single upload at 1 GiB.
	DefaultMaxFileSize = 1 << 30

	// DefaultMaxConcurrentUploads caps live uploads per sender.
	DefaultMaxConcurrentUploads = 10

	// DefaultMaxConcurrentDownloads caps live downloads per receiver.
	DefaultMaxConcurrentDownloads = 10

	// DefaultMaxConcurrentTransfers caps uploads plus downloads per client.
	DefaultMaxConcurrentTransfers = 5

	// DefaultAckTimeout is how long a relayed chunk may stay unacked
	// before a retry is requested.
	DefaultAckTimeout = 10 * time.Second

	// DefaultMaxRetries is the per-chunk redelivery budget.
	DefaultMaxRetries = 3

	// DefaultScanInterval is the cadence of the ack-timeout scanner.
	DefaultScanInterval = 2 * time.Second
)

// Config tunes the transfer engine. Zero values take defaults.
type Config struct {
	MaxFileSize            int64
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	MaxConcurrentTransfers int
	AckTimeout             time.Duration
	MaxRetries             int
	ScanInterval           time.Duration
	Checksums              bool
}

func (c *Config) normalize() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if c.MaxConcurrentTransfers <= 0 {
		c.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
}

// Engine relays chunked uploads between the two participants of a share.
//
// All mutation of one UploadState is serialized by a per-fileId mutex: the
// chunk ingest path, the ack handler, and the timeout scanner all take the
// same lock before their read-modify-write against the store.
type Engine struct {
	store   storage.Store
	coord   *cluster.Coordinator
	metrics metrics.RelayMetrics
	cfg     Config
	locks   *keyedMutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a transfer engine. Start launches the ack scanner.
func NewEngine(store storage.Store, coord *cluster.Coordinator, m metrics.RelayMetrics, cfg Config) *Engine {
	cfg.normalize()
	return &Engine{
		store:   store,
		coord:   coord,
		metrics: m,
		cfg:     cfg,
		locks:   newKeyedMutex(),
		stop:    make(chan struct{}),
	}
}

// Start launches the ack-timeout scanner.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.scanLoop()
}

// Close stops the scanner and waits for it to drain.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// =============================================================================
// Upload initiation
// =============================================================================

// InitResult is returned to the sender after admission.
type InitResult struct {
	FileID     string `json:"fileId"`
	ResumeFrom int    `json:"resumeFrom"`
}

// InitUpload admits a new upload for clientID and notifies every eligible
// receiver in the sender's share.
//
// Re-initializing an upload that is still in flight with identical metadata
// resumes it: the existing fileId is returned together with the count of
// chunks already ingested.
func (e *Engine) InitUpload(ctx context.Context, clientID, fileName string, fileSize int64, totalChunks int) (*InitResult, error) {
	if fileName == "" || fileSize <= 0 || totalChunks <= 0 {
		return nil, fmt.Errorf("init upload: invalid file metadata")
	}
	if fileSize > e.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	sender, err := e.store.GetSession(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("init upload for %s: %w", clientID, err)
	}
	if sender == nil {
		return nil, ErrClientNotRegistered
	}

	if resumed, err := e.findResumable(ctx, clientID, fileName, fileSize, totalChunks); err == nil && resumed != nil {
		logger.Info("resuming upload",
			logger.ClientID(clientID),
			logger.FileID(resumed.FileID),
			"resume_from", resumed.UploadedCount())
		return &InitResult{FileID: resumed.FileID, ResumeFrom: resumed.UploadedCount()}, nil
	}

	uploading, err := e.countUploading(ctx, sender)
	if err != nil {
		return nil, err
	}
	if uploading >= e.cfg.MaxConcurrentUploads {
		return nil, ErrTooManyUploads
	}
	if uploading+len(sender.Downloads) >= e.cfg.MaxConcurrentTransfers {
		return nil, ErrTooManyTransfers
	}

	// Receivers are the other participants of the sender's share. One that
	// is over budget is skipped rather than blocking the init, but a share
	// with peers and no eligible receiver is a hard failure.
	var peers []string
	if sender.ShareID != "" {
		share, err := e.store.GetShare(ctx, sender.ShareID)
		if err != nil {
			return nil, fmt.Errorf("init upload for %s: %w", clientID, err)
		}
		if share != nil {
			peers = share.OtherClients(clientID)
		}
	}

	var receivers []*storage.ClientSession
	for _, peer := range peers {
		sess, err := e.store.GetSession(ctx, peer)
		if err != nil || sess == nil || !sess.Connected {
			continue
		}
		if len(sess.Downloads) >= e.cfg.MaxConcurrentDownloads ||
			len(sess.Uploads)+len(sess.Downloads) >= e.cfg.MaxConcurrentTransfers {
			logger.Warn("skipping busy receiver",
				logger.ClientID(peer),
				logger.FileName(fileName))
			continue
		}
		receivers = append(receivers, sess)
	}
	if len(peers) > 0 && len(receivers) == 0 {
		return nil, ErrReceiversBusy
	}

	fileID := uuid.NewString()
	now := time.Now()
	state := &storage.UploadState{
		FileID:         fileID,
		FileName:       fileName,
		FileSize:       fileSize,
		TotalChunks:    totalChunks,
		UploadedChunks: make(map[int]bool),
		ClientID:       clientID,
		StartTime:      now,
		LastUpdate:     now,
		Status:         storage.UploadUploading,
		ChunkChecksums: make(map[int]string),
		PendingAcks:    make(map[int]storage.PendingAck),
	}
	if err := e.store.SetUploadState(ctx, state); err != nil {
		return nil, fmt.Errorf("init upload %s: %w", fileID, err)
	}

	sender.Uploads = append(sender.Uploads, fileID)
	if err := e.store.PutSession(ctx, sender); err != nil {
		logger.Warn("failed to record upload on sender session",
			logger.ClientID(clientID), logger.Err(err))
	}

	for _, recv := range receivers {
		recv.Downloads = append(recv.Downloads, fileID)
		if err := e.store.PutSession(ctx, recv); err != nil {
			logger.Warn("failed to record download on receiver session",
				logger.ClientID(recv.ClientID), logger.Err(err))
		}
		e.route(ctx, recv.ClientID, protocol.EventFileTransferStarted, map[string]any{
			"fileId":      fileID,
			"fileName":    fileName,
			"fileSize":    fileSize,
			"totalChunks": totalChunks,
		})
	}

	logger.Info("upload initialized",
		logger.ClientID(clientID),
		logger.FileID(fileID),
		logger.FileName(fileName),
		"file_size", fileSize,
		"total_chunks", totalChunks,
		"receivers", len(receivers))
	return &InitResult{FileID: fileID}, nil
}

// findResumable returns an in-flight upload of the same client with
// identical metadata, or nil.
func (e *Engine) findResumable(ctx context.Context, clientID, fileName string, fileSize int64, totalChunks int) (*storage.UploadState, error) {
	states, err := e.store.ListUploadStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state.ClientID == clientID &&
			state.Status == storage.UploadUploading &&
			state.FileName == fileName &&
			state.FileSize == fileSize &&
			state.TotalChunks == totalChunks {
			return state, nil
		}
	}
	return nil, nil
}

func (e *Engine) countUploading(ctx context.Context, sess *storage.ClientSession) (int, error) {
	count := 0
	for _, fileID := range sess.Uploads {
		state, err := e.store.GetUploadState(ctx, fileID)
		if err != nil {
			return 0, err
		}
		if state != nil && state.Status == storage.UploadUploading {
			count++
		}
	}
	return count, nil
}

// =============================================================================
// Chunk ingest
// =============================================================================

// ChunkResult tells the gateway what the sender should observe. The ACK
// reply on the upload-chunk request itself is the sender's flow control.
type ChunkResult struct {
	FileID         string
	ChunkIndex     int
	UploadedChunks int
	TotalChunks    int
	Progress       int
	Completed      bool
}

// IngestChunk records one chunk and fans it out to every receiver that still
// wants the file. Duplicate chunk indexes are idempotent on state, and a
// re-sent chunk is relayed again so the sender-driven retry path can repair a
// lost delivery. Once the upload completes, further chunks are rejected, so
// receivers never see a delivery after upload-complete.
func (e *Engine) IngestChunk(ctx context.Context, clientID, fileID string, chunkIndex int, chunk []byte) (*ChunkResult, error) {
	unlock := e.locks.lock(fileID)
	defer unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("ingest chunk %s[%d]: %w", fileID, chunkIndex, err)
	}
	if state == nil {
		return nil, ErrUploadNotFound
	}
	switch state.Status {
	case storage.UploadCompleted:
		return nil, ErrUploadCompleted
	case storage.UploadCancelled:
		return nil, ErrUploadCancelled
	case storage.UploadPaused:
		return nil, ErrUploadPaused
	case storage.UploadFailed:
		return nil, ErrUploadFailed
	}
	if chunkIndex < 0 || chunkIndex >= state.TotalChunks {
		return nil, ErrChunkOutOfRange
	}

	now := time.Now()
	if !state.UploadedChunks[chunkIndex] {
		state.UploadedChunks[chunkIndex] = true
		if e.cfg.Checksums {
			sum := sha256.Sum256(chunk)
			state.ChunkChecksums[chunkIndex] = hex.EncodeToString(sum[:])
		}
		state.PendingAcks[chunkIndex] = storage.PendingAck{Timestamp: now, Retries: 0}
	}
	state.LastUpdate = now

	completed := state.Complete() && state.Status != storage.UploadCompleted
	if completed {
		state.Status = storage.UploadCompleted
	}
	if err := e.store.SetUploadState(ctx, state); err != nil {
		logger.Warn("failed to persist upload state",
			logger.FileID(fileID), logger.Err(err))
	}

	result := &ChunkResult{
		FileID:         fileID,
		ChunkIndex:     chunkIndex,
		UploadedChunks: state.UploadedCount(),
		TotalChunks:    state.TotalChunks,
		Progress:       state.UploadedCount() * 100 / state.TotalChunks,
		Completed:      completed,
	}

	// Sender-side progress event.
	e.route(ctx, clientID, protocol.EventChunkUploaded, map[string]any{
		"fileId":         fileID,
		"chunkIndex":     chunkIndex,
		"progress":       result.Progress,
		"uploadedChunks": result.UploadedChunks,
		"totalChunks":    result.TotalChunks,
	})

	// Fan out to every receiver that still wants the file, then synthesize
	// the acknowledgment toward the sender. Receiver-origin acks are what
	// actually clear the pending entry.
	for _, recv := range e.liveReceivers(ctx, state, clientID) {
		e.route(ctx, recv, protocol.EventChunkReceived, map[string]any{
			"fileId":      fileID,
			"chunkIndex":  chunkIndex,
			"chunk":       chunk,
			"totalChunks": state.TotalChunks,
		})
		e.route(ctx, clientID, protocol.EventChunkAcknowledged, map[string]any{
			"fileId":     fileID,
			"chunkIndex": chunkIndex,
		})
	}
	if e.metrics != nil {
		e.metrics.RecordChunkRelayed(len(chunk))
	}

	if completed {
		e.finishUpload(ctx, state)
	}
	return result, nil
}

// liveReceivers lists clients whose downloads set still contains the file
// and that have not cancelled it.
func (e *Engine) liveReceivers(ctx context.Context, state *storage.UploadState, senderID string) []string {
	sender, err := e.store.GetSession(ctx, senderID)
	if err != nil || sender == nil || sender.ShareID == "" {
		return nil
	}
	share, err := e.store.GetShare(ctx, sender.ShareID)
	if err != nil || share == nil {
		return nil
	}

	var out []string
	for _, peer := range share.OtherClients(senderID) {
		cancelled, err := e.store.IsDownloadCancelled(ctx, state.FileID, peer)
		if err != nil || cancelled {
			continue
		}
		sess, err := e.store.GetSession(ctx, peer)
		if err != nil || sess == nil || !sess.Connected || !sess.HasDownload(state.FileID) {
			continue
		}
		out = append(out, peer)
	}
	return out
}

func (e *Engine) finishUpload(ctx context.Context, state *storage.UploadState) {
	duration := time.Since(state.StartTime)
	e.route(ctx, state.ClientID, protocol.EventUploadComplete, map[string]any{
		"fileId":   state.FileID,
		"fileName": state.FileName,
		"fileSize": state.FileSize,
		"duration": duration.Milliseconds(),
	})

	if _, err := e.store.IncrCounter(ctx, storage.CounterFilesSent); err != nil {
		logger.Warn("failed to increment files sent counter", logger.Err(err))
	}
	if err := e.store.ClearCancelledDownloads(ctx, state.FileID); err != nil {
		logger.Warn("failed to clear cancelled downloads",
			logger.FileID(state.FileID), logger.Err(err))
	}
	if e.metrics != nil {
		e.metrics.RecordFileSent()
	}
	logger.Info("upload completed",
		logger.ClientID(state.ClientID),
		logger.FileID(state.FileID),
		logger.FileName(state.FileName),
		logger.DurationMs(duration))
}

// =============================================================================
// Acknowledgment, retry, and timeout escalation
// =============================================================================

// HandleAck processes a receiver-origin chunk-acknowledged: the pending
// entry is cleared and the last-ack clock advances.
func (e *Engine) HandleAck(ctx context.Context, fileID string, chunkIndex int) error {
	unlock := e.locks.lock(fileID)
	defer unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return fmt.Errorf("ack %s[%d]: %w", fileID, chunkIndex, err)
	}
	if state == nil {
		return ErrUploadNotFound
	}

	if _, ok := state.PendingAcks[chunkIndex]; !ok {
		return nil
	}
	delete(state.PendingAcks, chunkIndex)
	state.LastAckTime = time.Now()
	if err := e.store.SetUploadState(ctx, state); err != nil {
		logger.Warn("failed to persist ack", logger.FileID(fileID), logger.Err(err))
	}
	return nil
}

// HandleChunkError processes a receiver-reported chunk failure (for example
// a checksum mismatch on its side) by requesting an immediate re-send,
// charged against the same retry budget as a timeout.
func (e *Engine) HandleChunkError(ctx context.Context, fileID string, chunkIndex int, reason string) error {
	unlock := e.locks.lock(fileID)
	defer unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return fmt.Errorf("chunk error %s[%d]: %w", fileID, chunkIndex, err)
	}
	if state == nil {
		return ErrUploadNotFound
	}
	ack, ok := state.PendingAcks[chunkIndex]
	if !ok || state.Status != storage.UploadUploading {
		return nil
	}

	logger.Warn("receiver reported chunk error",
		logger.FileID(fileID),
		logger.Chunk(chunkIndex),
		"reason", reason)

	if ack.Retries >= e.cfg.MaxRetries {
		e.failUpload(ctx, state, []int{chunkIndex})
		return nil
	}

	ack.Retries++
	ack.Timestamp = time.Now()
	state.PendingAcks[chunkIndex] = ack
	if err := e.store.SetUploadState(ctx, state); err != nil {
		logger.Warn("failed to persist retry", logger.FileID(fileID), logger.Err(err))
	}

	e.route(ctx, state.ClientID, protocol.EventChunkRetry, map[string]any{
		"fileId":     fileID,
		"chunkIndex": chunkIndex,
		"attempt":    ack.Retries,
	})
	if e.metrics != nil {
		e.metrics.RecordChunkRetry()
	}
	return nil
}

func (e *Engine) scanLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.scanPendingAcks()
		}
	}
}

// scanPendingAcks walks every live upload and escalates chunks whose ack is
// overdue: a retry while budget remains, a transfer failure once exhausted.
func (e *Engine) scanPendingAcks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states, err := e.store.ListUploadStates(ctx)
	if err != nil {
		logger.Warn("ack scan failed to list uploads", logger.Err(err))
		return
	}

	for _, snapshot := range states {
		if snapshot.Status != storage.UploadUploading {
			continue
		}
		e.scanUpload(ctx, snapshot.FileID)
	}
}

func (e *Engine) scanUpload(ctx context.Context, fileID string) {
	unlock := e.locks.lock(fileID)
	defer unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil || state == nil || state.Status != storage.UploadUploading {
		return
	}

	now := time.Now()
	var failed []int
	dirty := false

	for chunkIndex, ack := range state.PendingAcks {
		if now.Sub(ack.Timestamp) <= e.cfg.AckTimeout {
			continue
		}
		if ack.Retries >= e.cfg.MaxRetries {
			failed = append(failed, chunkIndex)
			continue
		}

		ack.Retries++
		ack.Timestamp = now
		state.PendingAcks[chunkIndex] = ack
		dirty = true

		e.route(ctx, state.ClientID, protocol.EventChunkRetry, map[string]any{
			"fileId":     fileID,
			"chunkIndex": chunkIndex,
			"attempt":    ack.Retries,
		})
		if e.metrics != nil {
			e.metrics.RecordChunkRetry()
		}
		logger.Warn("chunk ack overdue, requesting retry",
			logger.FileID(fileID),
			logger.Chunk(chunkIndex),
			logger.Attempt(ack.Retries))
	}

	if len(failed) > 0 {
		e.failUpload(ctx, state, failed)
		return
	}
	if dirty {
		if err := e.store.SetUploadState(ctx, state); err != nil {
			logger.Warn("failed to persist retry state",
				logger.FileID(fileID), logger.Err(err))
		}
	}
}

// failUpload marks the upload failed and tells the sender which chunks never
// made it. No further chunks are relayed for this file.
func (e *Engine) failUpload(ctx context.Context, state *storage.UploadState, failedChunks []int) {
	state.Status = storage.UploadFailed
	state.LastUpdate = time.Now()
	if err := e.store.SetUploadState(ctx, state); err != nil {
		logger.Warn("failed to persist failed upload",
			logger.FileID(state.FileID), logger.Err(err))
	}

	e.route(ctx, state.ClientID, protocol.EventTransferFailed, map[string]any{
		"fileId":       state.FileID,
		"reason":       fmt.Sprintf("chunks not acknowledged after %d retries", e.cfg.MaxRetries),
		"failedChunks": failedChunks,
	})
	if e.metrics != nil {
		e.metrics.RecordTransferFailed("retries_exhausted")
	}
	logger.Error("transfer failed, retry budget exhausted",
		logger.FileID(state.FileID),
		logger.ClientID(state.ClientID),
		"failed_chunks", failedChunks)
}

// =============================================================================
// Cancellation, confirmation, pause and resume
// =============================================================================

// CancelDownload opts clientID out of receiving fileID. Chunks relayed after
// this point skip the client.
func (e *Engine) CancelDownload(ctx context.Context, clientID, fileID string) error {
	if err := e.store.AddCancelledDownload(ctx, fileID, clientID); err != nil {
		return fmt.Errorf("cancel download %s for %s: %w", fileID, clientID, err)
	}

	sess, err := e.store.GetSession(ctx, clientID)
	if err == nil && sess != nil && sess.HasDownload(fileID) {
		sess.RemoveDownload(fileID)
		if err := e.store.PutSession(ctx, sess); err != nil {
			logger.Warn("failed to drop download from session",
				logger.ClientID(clientID), logger.Err(err))
		}
	}

	e.route(ctx, clientID, protocol.EventDownloadCancelled, map[string]any{
		"fileId": fileID,
	})
	logger.Info("download cancelled",
		logger.ClientID(clientID),
		logger.FileID(fileID))
	return nil
}

// ConfirmDownload relays a receiver's end-of-reassembly notice back to the
// sender. The upload state is authoritative for who that is; the share
// roster is the fallback once the state has been reaped.
func (e *Engine) ConfirmDownload(ctx context.Context, receiverID, fileID, fileName, shareID string) error {
	senderID := ""
	state, err := e.store.GetUploadState(ctx, fileID)
	if err == nil && state != nil {
		senderID = state.ClientID
		if fileName == "" {
			fileName = state.FileName
		}
	}
	if senderID == "" && shareID != "" {
		share, err := e.store.GetShare(ctx, shareID)
		if err == nil && share != nil {
			if others := share.OtherClients(receiverID); len(others) > 0 {
				senderID = others[0]
			}
		}
	}
	if senderID == "" {
		return ErrUploadNotFound
	}

	e.route(ctx, senderID, protocol.EventDownloadConfirmed, map[string]any{
		"fileId":   fileID,
		"fileName": fileName,
	})
	logger.Info("download confirmed",
		logger.ClientID(receiverID),
		logger.FileID(fileID))
	return nil
}

// PauseUpload suspends chunk ingest for the sender's upload.
func (e *Engine) PauseUpload(ctx context.Context, clientID, fileID string) error {
	return e.setStatus(ctx, clientID, fileID, storage.UploadUploading, storage.UploadPaused)
}

// ResumeUpload lifts a pause. Pending ack clocks restart so the scanner does
// not immediately charge the pause against the retry budget.
func (e *Engine) ResumeUpload(ctx context.Context, clientID, fileID string) error {
	unlock := e.locks.lock(fileID)
	defer unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", fileID, err)
	}
	if state == nil {
		return ErrUploadNotFound
	}
	if state.ClientID != clientID {
		return ErrNotUploadOwner
	}
	if state.Status != storage.UploadPaused {
		return nil
	}

	now := time.Now()
	state.Status = storage.UploadUploading
	state.LastUpdate = now
	for chunkIndex, ack := range state.PendingAcks {
		ack.Timestamp = now
		state.PendingAcks[chunkIndex] = ack
	}
	return e.store.SetUploadState(ctx, state)
}

func (e *Engine) setStatus(ctx context.Context, clientID, fileID string, from, to storage.UploadStatus) error {
	unlock := e.locks.lock(fileID)
	defer unlock()

	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return fmt.Errorf("set status %s: %w", fileID, err)
	}
	if state == nil {
		return ErrUploadNotFound
	}
	if state.ClientID != clientID {
		return ErrNotUploadOwner
	}
	if state.Status != from {
		return nil
	}
	state.Status = to
	state.LastUpdate = time.Now()
	return e.store.SetUploadState(ctx, state)
}

// =============================================================================
// Progress
// =============================================================================

// Progress is the snapshot served on the uploads endpoint.
type Progress struct {
	FileID         string               `json:"fileId"`
	FileName       string               `json:"fileName"`
	FileSize       int64                `json:"fileSize"`
	TotalChunks    int                  `json:"totalChunks"`
	UploadedChunks int                  `json:"uploadedChunks"`
	Progress       int                  `json:"progress"`
	PendingAcks    int                  `json:"pendingAcks"`
	Status         storage.UploadStatus `json:"status"`
	StartTime      time.Time            `json:"startTime"`
	LastUpdate     time.Time            `json:"lastUpdate"`
}

// UploadProgress returns a snapshot of one upload, or ErrUploadNotFound.
func (e *Engine) UploadProgress(ctx context.Context, fileID string) (*Progress, error) {
	state, err := e.store.GetUploadState(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrUploadNotFound
	}

	progress := 0
	if state.TotalChunks > 0 {
		progress = state.UploadedCount() * 100 / state.TotalChunks
	}
	return &Progress{
		FileID:         state.FileID,
		FileName:       state.FileName,
		FileSize:       state.FileSize,
		TotalChunks:    state.TotalChunks,
		UploadedChunks: state.UploadedCount(),
		Progress:       progress,
		PendingAcks:    len(state.PendingAcks),
		Status:         state.Status,
		StartTime:      state.StartTime,
		LastUpdate:     state.LastUpdate,
	}, nil
}

func (e *Engine) route(ctx context.Context, clientID, event string, payload map[string]any) {
	if err := e.coord.RouteToClient(ctx, clientID, event, payload); err != nil {
		logger.Warn("failed to route transfer event",
			logger.ClientID(clientID),
			logger.Event(event),
			logger.Err(err))
	}
}
