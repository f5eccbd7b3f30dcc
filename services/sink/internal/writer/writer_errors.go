package writer

import "errors"

var ErrWriteFailed = errors.New("batch write failed")
var ErrWriterClosed = errors.New("batch writer is closed")
var ErrUnknownPipeline = errors.New("pipeline is not registered with the batch writer")
