package testing

import (
	"bytes"
	"sync"
)

// Buffer is a goroutine safe bytes.Buffer used to capture log output.
type Buffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}
