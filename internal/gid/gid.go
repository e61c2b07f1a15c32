// Package gid exposes the current goroutine's id. It exists so the thread
// pool can associate submissions from a worker goroutine with that
// worker's local queue without threading identity through every callback.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Get returns the runtime id of the calling goroutine.
//
// The id is parsed from the first line of the goroutine's stack header.
// This costs a (small, non-unwinding) runtime.Stack call; callers on hot
// paths should cache per goroutine where possible.
func Get() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], prefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
