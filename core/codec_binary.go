package canopy

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
	ugcodec "github.com/ugorji/go/codec"
)

var binaryHandle = &ugcodec.MsgpackHandle{}

// binaryCodec implements Codec for EncodingYASBinary using ugorji/go/codec's
// msgpack handle: a compact binary encoding that round-trips the same
// struct tags as the JSON codec, so a given payload type can move between
// encodings without a second set of marshal annotations.
type binaryCodec struct{}

func (binaryCodec) Encoding() Encoding { return EncodingYASBinary }

func (binaryCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := ugcodec.NewEncoder(&buf, binaryHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (binaryCodec) Unmarshal(data []byte, v interface{}) error {
	dec := ugcodec.NewDecoderBytes(data, binaryHandle)
	return dec.Decode(v)
}

// compressedBinaryCodec implements Codec for EncodingYASCompressedBinary:
// the same msgpack encoding as binaryCodec, passed through zstd. Large call
// arguments (e.g. bulk buffer transfers) use this encoding instead of
// EncodingYASBinary when the caller knows the payload compresses well.
type compressedBinaryCodec struct{}

func (compressedBinaryCodec) Encoding() Encoding { return EncodingYASCompressedBinary }

func (compressedBinaryCodec) Marshal(v interface{}) ([]byte, error) {
	raw, err := (binaryCodec{}).Marshal(v)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func (compressedBinaryCodec) Unmarshal(data []byte, v interface{}) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return (binaryCodec{}).Unmarshal(raw, v)
}

func init() {
	RegisterCodec(binaryCodec{})
	RegisterCodec(compressedBinaryCodec{})
}
