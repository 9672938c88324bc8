package canopy

import (
	"encoding/binary"
	"io"
)

// Prefix is the fixed-size header every wire frame begins with: enough to
// know how many further bytes to read before a PayloadEnvelope can be
// parsed. It is always encoded as 4 fixed-width little-endian fields, never
// through a Codec, so a receiver can frame the stream before it has
// negotiated (or cares about) an encoding.
type Prefix struct {
	ProtocolVersion ProtocolVersion
	Direction       MessageDirection
	SequenceNumber  uint64
	PayloadSize     uint64
}

const prefixWireSize = 8 + 1 + 8 + 8

// EncodePrefix writes p's fixed-width wire representation.
func EncodePrefix(p Prefix) []byte {
	buf := make([]byte, prefixWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.ProtocolVersion))
	buf[8] = byte(p.Direction)
	binary.LittleEndian.PutUint64(buf[9:17], p.SequenceNumber)
	binary.LittleEndian.PutUint64(buf[17:25], p.PayloadSize)
	return buf
}

// DecodePrefix parses a Prefix out of its fixed-width wire representation.
func DecodePrefix(buf []byte) (Prefix, error) {
	if len(buf) != prefixWireSize {
		return Prefix{}, NewCallError(ErrCodeInvalidData, "prefix must be %d bytes, got %d", prefixWireSize, len(buf))
	}
	return Prefix{
		ProtocolVersion: ProtocolVersion(binary.LittleEndian.Uint64(buf[0:8])),
		Direction:       MessageDirection(buf[8]),
		SequenceNumber:  binary.LittleEndian.Uint64(buf[9:17]),
		PayloadSize:     binary.LittleEndian.Uint64(buf[17:25]),
	}, nil
}

// ReadPrefix reads and parses exactly one Prefix from r.
func ReadPrefix(r io.Reader) (Prefix, error) {
	buf := make([]byte, prefixWireSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Prefix{}, err
	}
	return DecodePrefix(buf)
}

// PayloadEnvelope wraps an encoded call or reply body together with a
// fingerprint identifying the concrete Go type it was encoded from, so a
// receiver can pick the matching destination struct before invoking Codec.Unmarshal.
type PayloadEnvelope struct {
	Fingerprint uint64
	Encoding    Encoding
	Payload     []byte
}

// Fingerprint deterministically derives a stable 64-bit tag for a payload
// type name and protocol version. Two zones running the same protocol
// version compute the same fingerprint for the same type without ever
// exchanging type metadata.
func Fingerprint(typeName string, version ProtocolVersion) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64) ^ uint64(version)
	for i := 0; i < len(typeName); i++ {
		h ^= uint64(typeName[i])
		h *= prime64
	}
	return h
}

// EncodeEnvelope marshals v with the Codec for enc and wraps it in a
// PayloadEnvelope tagged with fingerprint.
func EncodeEnvelope(fingerprint uint64, enc Encoding, v interface{}) (PayloadEnvelope, error) {
	payload, err := Marshal(enc, v)
	if err != nil {
		return PayloadEnvelope{}, err
	}
	return PayloadEnvelope{Fingerprint: fingerprint, Encoding: enc, Payload: payload}, nil
}

// DecodeEnvelope unmarshals env's payload into v, failing if env's
// fingerprint does not match wantFingerprint. A mismatch almost always means
// the two zones disagree about which struct a given call's reply decodes
// into, e.g. after an uncoordinated protocol upgrade.
func DecodeEnvelope(env PayloadEnvelope, wantFingerprint uint64, v interface{}) error {
	if env.Fingerprint != wantFingerprint {
		return NewCallError(ErrCodeInvalidData, "fingerprint mismatch: want %d got %d", wantFingerprint, env.Fingerprint)
	}
	return Unmarshal(env.Encoding, env.Payload, v)
}

// Frame is a fully-framed wire message: a Prefix plus its PayloadEnvelope,
// already encoded to bytes. Transports write and read these as atomic units.
type Frame struct {
	Prefix  Prefix
	Payload PayloadEnvelope
}

// EncodeFrame serialises f.Payload with EncodingYASBinary (the envelope's
// own framing is never itself compressed or JSON-encoded, independent of
// what encoding the inner call payload used) and prepends f.Prefix.
func EncodeFrame(f Frame) ([]byte, error) {
	envBytes, err := Marshal(EncodingYASBinary, f.Payload)
	if err != nil {
		return nil, err
	}
	f.Prefix.PayloadSize = uint64(len(envBytes))
	out := make([]byte, 0, prefixWireSize+len(envBytes))
	out = append(out, EncodePrefix(f.Prefix)...)
	out = append(out, envBytes...)
	return out, nil
}

// ReadFrame reads one Prefix-delimited Frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	prefix, err := ReadPrefix(r)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, prefix.PayloadSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var env PayloadEnvelope
	if err := Unmarshal(EncodingYASBinary, body, &env); err != nil {
		return Frame{}, err
	}
	return Frame{Prefix: prefix, Payload: env}, nil
}
