package transfer

import "errors"

var (
	// ErrFileTooLarge rejects an upload-init over the configured limit.
	ErrFileTooLarge = errors.New("file exceeds the maximum allowed size")

	// ErrTooManyUploads rejects a sender already at its upload budget.
	ErrTooManyUploads = errors.New("too many concurrent uploads")

	// ErrTooManyTransfers rejects a client at its combined transfer budget.
	ErrTooManyTransfers = errors.New("too many concurrent transfers")

	// ErrReceiversBusy fails an init when the share has peers but none can
	// accept another download.
	ErrReceiversBusy = errors.New("All receivers are busy")

	// ErrClientNotRegistered rejects transfer operations from a client
	// without a session.
	ErrClientNotRegistered = errors.New("client is not registered")

	// ErrUploadNotFound rejects chunks for an unknown or reaped upload.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrUploadCompleted rejects chunks after the upload finished.
	ErrUploadCompleted = errors.New("upload is already completed")

	// ErrUploadCancelled rejects chunks for a cancelled upload.
	ErrUploadCancelled = errors.New("upload is cancelled")

	// ErrUploadPaused rejects chunks while the upload is paused.
	ErrUploadPaused = errors.New("upload is paused")

	// ErrUploadFailed rejects chunks after the retry budget was exhausted.
	ErrUploadFailed = errors.New("upload has failed")

	// ErrChunkOutOfRange rejects a chunk index outside [0, totalChunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")

	// ErrNotUploadOwner rejects pause/resume from anyone but the sender.
	ErrNotUploadOwner = errors.New("client does not own this upload")
)
