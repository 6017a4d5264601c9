package transport

import "errors"

// ErrBufferContract is returned by Append when the buffer and its claimed
// size disagree.
var ErrBufferContract = errors.New("transport: buffer does not match claimed size")

// Append returns a new buffer holding buf followed by data, and its size.
//
// buf must be nil exactly when size is 0, and len(buf) must equal size;
// otherwise Append returns ErrBufferContract and leaves both inputs untouched.
// Every call allocates a buffer of exactly size+len(data) bytes, so callers
// must re-bind to the returned slice and drop the old one.
//
//	var buf []byte
//	var n int
//	buf, n, err = transport.Append(buf, n, header)
//	buf, n, err = transport.Append(buf, n, payload)
func Append(buf []byte, size int, data []byte) ([]byte, int, error) {
	if (buf == nil) != (size == 0) || len(buf) != size {
		return buf, size, ErrBufferContract
	}

	total := size + len(data)
	if total == 0 {
		return nil, 0, nil
	}

	grown := make([]byte, total)
	copy(grown, buf)
	copy(grown[size:], data)
	return grown, total, nil
}
