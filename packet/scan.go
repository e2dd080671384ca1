// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"fmt"
	"io"
)

// addressFields returns the address fields of f in wire order.
func (f Frame) addressFields() [4]string {
	return [...]string{f.From.Peer, f.From.Service, f.To.Peer, f.To.Service}
}

// bodyLen reports the encoded length of the body of f.
func (f Frame) bodyLen() int {
	n := fieldLen(len(f.Text))
	for _, s := range f.addressFields() {
		n += fieldLen(len(s))
	}
	return n
}

// appendBody appends the encoded body of f to buf.
func (f Frame) appendBody(buf []byte) []byte {
	for _, s := range f.addressFields() {
		buf = appendField(buf, s)
	}
	return appendField(buf, f.Text)
}

func fieldLen(n int) int { return Vint30(n).Size() + n }

func appendField[Str ~string | ~[]byte](buf []byte, s Str) []byte {
	return append(Vint30(len(s)).Append(buf), s...)
}

// ParseVint30 decodes a [Vint30] from the front of data, and reports the
// value and the number of bytes it occupied. It reports [io.EOF] if data is
// empty, and [io.ErrUnexpectedEOF] if the encoding is incomplete.
func ParseVint30(data []byte) (Vint30, int, error) {
	if len(data) == 0 {
		return 0, 0, io.EOF
	}
	nb := int(data[0]&3) + 1
	if len(data) < nb {
		return 0, 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := range nb {
		w |= uint32(data[i]) << (8 * i)
	}
	return Vint30(w >> 2), nb, nil
}

// A fieldReader consumes length-prefixed fields from a frame body. Once a
// read fails, the error sticks and later reads return zero values.
type fieldReader struct {
	body []byte
	pos  int
	err  error
}

func (r *fieldReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	n, w, err := ParseVint30(r.body[r.pos:])
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		r.err = fmt.Errorf("offset %d: field length: %w", r.pos, err)
		return nil
	}
	start := r.pos + w
	if avail := len(r.body) - start; avail < int(n) {
		r.err = fmt.Errorf("offset %d: field truncated (%d < %d bytes): %w", start, avail, n, io.ErrUnexpectedEOF)
		return nil
	}
	r.pos = start + int(n)
	return r.body[start:r.pos]
}

func (r *fieldReader) string() string { return string(r.bytes()) }

// extra reports how many bytes of the body remain unread.
func (r *fieldReader) extra() int { return len(r.body) - r.pos }
