package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame layout:
//
//	[version:1][flags:1][length:4][crc:4][header crc:4][payload:length]
//
// Integers are big endian and both checksums are CRC32-Castagnoli. crc
// covers the stored payload, header crc covers the ten bytes before it, so
// a damaged length is told apart from a frame cut off at the end of a file.
// The payload is a msgpack map, optionally snappy-compressed.
const (
	Version        = 1
	HeaderSize     = 14
	MaxPayloadSize = 256 * 1024 * 1024

	flagSnappy = 1 << 0
	knownFlags = flagSnappy

	headerCRCOffset = 10
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var defaultEncoder = NewEncoder(false)

type wireCommand struct {
	Kind  uint8  `msgpack:"t"`
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
}

type Encoder struct {
	compress bool
}

// NewEncoder returns an encoder. With compress set, payloads are stored
// snappy-compressed whenever that makes them smaller.
func NewEncoder(compress bool) *Encoder {
	return &Encoder{compress: compress}
}

func Encode(cmd Command) ([]byte, error) {
	return defaultEncoder.Encode(cmd)
}

func (e *Encoder) Encode(cmd Command) ([]byte, error) {
	if cmd.Kind != KindSet && cmd.Kind != KindRemove {
		return nil, errors.Wrapf(ErrUnexpectedCommandType, "encode %s", cmd.Kind)
	}

	wc := wireCommand{Kind: uint8(cmd.Kind), Key: cmd.Key}
	if cmd.Kind == KindSet {
		wc.Value = cmd.Value
	}

	payload, err := msgpack.Marshal(&wc)
	if err != nil {
		return nil, serializationError(errors.Wrap(err, "marshal command"))
	}

	var flags byte
	if e.compress {
		if compressed := snappy.Encode(nil, payload); len(compressed) < len(payload) {
			payload = compressed
			flags |= flagSnappy
		}
	}

	if len(payload) > MaxPayloadSize {
		return nil, serializationError(errors.Errorf("payload of %d bytes exceeds limit", len(payload)))
	}

	return newFrame(flags, payload), nil
}

func newFrame(flags byte, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = Version
	frame[1] = flags
	binary.BigEndian.PutUint32(frame[2:], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[6:], crc32.Checksum(payload, castagnoliTable))
	binary.BigEndian.PutUint32(frame[headerCRCOffset:], crc32.Checksum(frame[:headerCRCOffset], castagnoliTable))
	copy(frame[HeaderSize:], payload)

	return frame
}

// Decode decodes a buffer holding exactly one frame.
func Decode(frame []byte) (Command, error) {
	if len(frame) < HeaderSize {
		return Command{}, serializationError(io.ErrUnexpectedEOF)
	}

	flags, length, crc, err := parseHeader(frame[:HeaderSize])
	if err != nil {
		return Command{}, err
	}

	switch body := frame[HeaderSize:]; {
	case len(body) < int(length):
		return Command{}, serializationError(io.ErrUnexpectedEOF)
	case len(body) > int(length):
		return Command{}, serializationError(errors.Errorf("%d trailing bytes after frame", len(body)-int(length)))
	}

	return decodePayload(flags, crc, frame[HeaderSize:])
}

// parseHeader verifies a complete header. Any damage to it is reported as a
// plain serialization error, never as io.ErrUnexpectedEOF.
func parseHeader(hdr []byte) (flags byte, length uint32, crc uint32, err error) {
	want := binary.BigEndian.Uint32(hdr[headerCRCOffset:])
	if got := crc32.Checksum(hdr[:headerCRCOffset], castagnoliTable); got != want {
		return 0, 0, 0, serializationError(errors.Errorf("invalid header checksum: expected %d, got %d", want, got))
	}

	if hdr[0] != Version {
		return 0, 0, 0, serializationError(errors.Errorf("unsupported frame version %d", hdr[0]))
	}

	flags = hdr[1]
	if flags&^knownFlags != 0 {
		return 0, 0, 0, serializationError(errors.Errorf("unknown frame flags %#x", flags))
	}

	length = binary.BigEndian.Uint32(hdr[2:])
	if length > MaxPayloadSize {
		return 0, 0, 0, serializationError(errors.Errorf("invalid payload size %d", length))
	}

	return flags, length, binary.BigEndian.Uint32(hdr[6:]), nil
}

func decodePayload(flags byte, crc uint32, payload []byte) (Command, error) {
	if c := crc32.Checksum(payload, castagnoliTable); c != crc {
		return Command{}, serializationError(errors.Errorf("invalid checksum: expected %d, got %d", crc, c))
	}

	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return Command{}, serializationError(errors.Wrap(err, "decompress payload"))
		}
		payload = decoded
	}

	var wc wireCommand
	if err := msgpack.Unmarshal(payload, &wc); err != nil {
		return Command{}, serializationError(errors.Wrap(err, "unmarshal command"))
	}

	switch kind := Kind(wc.Kind); kind {
	case KindSet:
		if wc.Value == nil {
			wc.Value = []byte{}
		}
		return Command{Kind: KindSet, Key: wc.Key, Value: wc.Value}, nil
	case KindRemove:
		return Command{Kind: KindRemove, Key: wc.Key}, nil
	default:
		return Command{}, errors.Wrapf(ErrUnexpectedCommandType, "decode %s", kind)
	}
}
