package wire

import (
	"encoding/binary"
	"io"
)

// Reader reassembles packets from a byte source that may deliver partial
// data or report that no data is available yet. It never blocks on its own:
// whether Next blocks depends only on the source.
//
// Reader is not safe for concurrent use.
type Reader struct {
	src  io.Reader
	buf  []byte
	tmp  []byte
	last []byte
}

// NewReader creates a Reader over src. readSize is the chunk size used for
// reads from the source.
func NewReader(src io.Reader, readSize int) *Reader {
	if readSize <= 0 {
		readSize = 1536
	}
	return &Reader{
		src: src,
		tmp: make([]byte, readSize),
	}
}

// Next returns the next complete packet. If the source reports an error
// before a packet is complete (including a would-block indication), that
// error is returned and the partial data stays buffered for the next call.
// The returned body is only valid until the following call to Next.
func (r *Reader) Next() (Packet, error) {
	for {
		if p, ok, err := r.take(); ok || err != nil {
			return p, err
		}

		n, err := r.src.Read(r.tmp)
		if n > 0 {
			r.buf = append(r.buf, r.tmp[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		return Packet{}, err
	}
}

// Buffered returns the number of bytes held that do not yet form a packet.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Feed appends bytes to the internal buffer, for callers that pump the
// source themselves.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Pending returns the next complete packet already buffered, without
// reading from the source.
func (r *Reader) Pending() (Packet, bool, error) {
	return r.take()
}

func (r *Reader) take() (Packet, bool, error) {
	if len(r.buf) < SizeFieldLen {
		return Packet{}, false, nil
	}

	size := int(binary.BigEndian.Uint16(r.buf[:SizeFieldLen]))
	if size < HeaderLen {
		return Packet{}, false, ErrShortPacket
	}
	if len(r.buf) < SizeFieldLen+size {
		return Packet{}, false, nil
	}

	// Keep the packet bytes stable until the next call.
	r.last = append(r.last[:0], r.buf[SizeFieldLen:SizeFieldLen+size]...)
	r.buf = r.buf[:copy(r.buf, r.buf[SizeFieldLen+size:])]

	p, err := Decode(r.last)
	if err != nil {
		return Packet{}, false, err
	}
	return p, true, nil
}
