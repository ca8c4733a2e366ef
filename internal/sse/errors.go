package sse

import "errors"

// ErrStreamingNotSupported is returned when the response writer doesn't support streaming.
var ErrStreamingNotSupported = errors.New("streaming not supported")
