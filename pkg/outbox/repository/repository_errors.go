package repository

import "errors"

var ErrOutboxEventNotFound = errors.New("outbox event not found")
var ErrStaleStatus = errors.New("outbox event is not in the expected status")
