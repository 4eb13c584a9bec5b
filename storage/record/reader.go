package record

import (
	"io"

	"github.com/pkg/errors"
)

// Decoder reads frames one at a time from a stream of concatenated frames.
type Decoder struct {
	reader io.Reader
	hdr    [HeaderSize]byte
	buf    []byte
	cmd    Command
	offset int64
	end    int64
	err    error
}

func NewDecoder(reader io.Reader) *Decoder {
	return &Decoder{reader: reader}
}

// Next advances to the next frame. It returns false at a clean end of stream
// or on the first error, which is then available from Err.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}

	d.offset = d.end

	if _, err := io.ReadFull(d.reader, d.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return false
		}
		d.fail(err)
		return false
	}

	flags, length, crc, err := parseHeader(d.hdr[:])
	if err != nil {
		d.fail(err)
		return false
	}

	if cap(d.buf) < int(length) {
		d.buf = make([]byte, length)
	}
	d.buf = d.buf[:length]

	if _, err := io.ReadFull(d.reader, d.buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.fail(err)
		return false
	}

	cmd, err := decodePayload(flags, crc, d.buf)
	if err != nil {
		d.fail(err)
		return false
	}

	d.cmd = cmd
	d.end = d.offset + HeaderSize + int64(length)

	return true
}

func (d *Decoder) fail(err error) {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = serializationError(err)
	}

	var se *SerializationError
	if errors.As(err, &se) {
		se.Offset = d.offset
		d.err = se
		return
	}

	if errors.Is(err, ErrUnexpectedCommandType) {
		d.err = errors.Wrapf(err, "offset %d", d.offset)
		return
	}

	d.err = errors.Wrap(err, "read frame")
}

// Command returns the command decoded by the last successful Next.
func (d *Decoder) Command() Command {
	return d.cmd
}

// Offset returns the stream position of the current frame, or of the failed
// frame after Next returned false with an error.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// Size returns the encoded size of the current frame.
func (d *Decoder) Size() int64 {
	return d.end - d.offset
}

func (d *Decoder) Err() error {
	return d.err
}
