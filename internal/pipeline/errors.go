package pipeline

import "errors"

var (
	// ErrBusy means a run for the document is already queued or running.
	ErrBusy            = errors.New("document is already being processed")
	ErrQueueFull       = errors.New("processing queue is full")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds the upload limit")
	ErrEmptyUpload     = errors.New("empty upload")
)
