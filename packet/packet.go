// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet implements the binary framing used to carry capmesh
// envelopes over byte streams such as pipes and sockets.
//
// A frame is an 8-byte header followed by a body:
//
//	"CM" | version (1 byte) | reserved (1 byte) | body length (uint32, big-endian)
//
// The body holds the sender and recipient addresses as length-prefixed
// strings (peer, service, peer, service), followed by the length-prefixed
// envelope text. Lengths inside the body are encoded as [Vint30] values.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/capmesh"
)

const (
	magic0, magic1 = 'C', 'M'

	// Version is the frame format version written by this package.
	Version = 0

	headerLen = 8

	// MaxBodyLen is the largest frame body accepted by ReadFrom.
	MaxBodyLen = 16 << 20
)

// ErrBadFrame is reported for a frame with an invalid header or body.
var ErrBadFrame = errors.New("invalid frame")

// A Frame carries one envelope between two services.
type Frame struct {
	From capmesh.Address
	To   capmesh.Address
	Text []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(%v → %v, %d bytes)", f.From, f.To, len(f.Text))
}

// Encode encodes f in binary format, including its header. It reports an
// error wrapping [ErrBadFrame] if the body would exceed [MaxBodyLen], since
// no reader would accept it.
func (f Frame) Encode() ([]byte, error) {
	n := f.bodyLen()
	if n > MaxBodyLen {
		return nil, fmt.Errorf("%w: body too long (%d > %d bytes)", ErrBadFrame, n, MaxBodyLen)
	}
	buf := make([]byte, 0, headerLen+n)
	buf = append(buf, magic0, magic1, Version, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	return f.appendBody(buf), nil
}

// Decode decodes a complete frame, including its header, from data.
func (f *Frame) Decode(data []byte) error {
	if len(data) < headerLen {
		return fmt.Errorf("%w: short header (%d bytes)", ErrBadFrame, len(data))
	}
	n, err := checkHeader(data[:headerLen])
	if err != nil {
		return err
	} else if n != len(data)-headerLen {
		return fmt.Errorf("%w: body length %d, header says %d", ErrBadFrame, len(data)-headerLen, n)
	}
	return f.decodeBody(data[headerLen:])
}

func checkHeader(hdr []byte) (int, error) {
	if hdr[0] != magic0 || hdr[1] != magic1 {
		return 0, fmt.Errorf("%w: bad magic %q", ErrBadFrame, hdr[:2])
	} else if hdr[2] != Version {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, hdr[2])
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if n > MaxBodyLen {
		return 0, fmt.Errorf("%w: body too long (%d > %d bytes)", ErrBadFrame, n, MaxBodyLen)
	}
	return int(n), nil
}

func (f *Frame) decodeBody(body []byte) error {
	r := &fieldReader{body: body}
	var out Frame
	out.From.Peer = r.string()
	out.From.Service = r.string()
	out.To.Peer = r.string()
	out.To.Service = r.string()
	out.Text = append([]byte(nil), r.bytes()...)
	if r.err != nil {
		return fmt.Errorf("%w: %w", ErrBadFrame, r.err)
	} else if n := r.extra(); n != 0 {
		return fmt.Errorf("%w: %d extra bytes after body", ErrBadFrame, n)
	}
	*f = out
	return nil
}

// WriteTo writes f in binary format to w. If f cannot be encoded, nothing
// is written.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	data, err := f.Encode()
	if err != nil {
		return 0, err
	}
	nw, err := w.Write(data)
	return int64(nw), err
}

// ReadFrom reads a frame from r, replacing the contents of f. If r is at
// end of input before the frame begins, ReadFrom reports [io.EOF]; a
// truncated frame reports [io.ErrUnexpectedEOF].
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var hdr [headerLen]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(nr), err
	}
	n, err := checkHeader(hdr[:])
	if err != nil {
		return int64(nr), err
	}
	body := make([]byte, n)
	nb, err := io.ReadFull(r, body)
	nr += nb
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return int64(nr), err
	}
	return int64(nr), f.decodeBody(body)
}

// Vint30 is an unsigned 30-bit integer with a variable-width encoding of 1
// to 4 bytes:
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// The value is shifted left two bits and written in little-endian order, with
// the count of additional bytes in the low two bits of the first byte. A
// decoder can thus find the full width from the first byte.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf, and returns the updated slice.
// It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	s := v.Size()
	if s < 0 {
		panic("value out of range")
	}
	w := uint32(v)*4 + uint32(s-1)
	for range s {
		buf = append(buf, byte(w%256))
		w /= 256
	}
	return buf
}
