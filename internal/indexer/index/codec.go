package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/kylebebak/search-engine/pkg/config"
)

// Codec encodes posting maps into the blobs kept by the store. Every codec
// decodes the output of every other, so the configured codec can change on a
// live index: blobs are rewritten in the new format as tokens get merged.
type Codec interface {
	Name() string
	Encode(p PostingMap) ([]byte, error)
	Decode(data []byte) (PostingMap, error)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// lz4Tag prefixes lz4 blobs: [lz4Tag][uvarint raw length][block].
const lz4Tag = 0x01

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", config.CodecJSON:
		return JSONCodec{}, nil
	case config.CodecZstd:
		return ZstdCodec{}, nil
	case config.CodecLZ4:
		return LZ4Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown posting codec %q", name)
	}
}

// JSONCodec stores {"<doc id>": [positions...]}.
type JSONCodec struct{}

func (JSONCodec) Name() string { return config.CodecJSON }

func (JSONCodec) Encode(p PostingMap) ([]byte, error) {
	if p == nil {
		p = PostingMap{}
	}
	return json.Marshal(p)
}

func (JSONCodec) Decode(data []byte) (PostingMap, error) { return decodeBlob(data) }

// ZstdCodec is JSON compressed with zstd.
type ZstdCodec struct{}

func (ZstdCodec) Name() string { return config.CodecZstd }

func (ZstdCodec) Encode(p PostingMap) ([]byte, error) {
	raw, err := JSONCodec{}.Encode(p)
	if err != nil {
		return nil, err
	}
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(raw, nil), nil
}

func (ZstdCodec) Decode(data []byte) (PostingMap, error) { return decodeBlob(data) }

// LZ4Codec is JSON compressed with an lz4 block. Incompressible maps are
// stored as plain JSON.
type LZ4Codec struct{}

func (LZ4Codec) Name() string { return config.CodecLZ4 }

func (LZ4Codec) Encode(p PostingMap) ([]byte, error) {
	raw, err := JSONCodec{}.Encode(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(raw)))
	out[0] = lz4Tag
	hdr := 1 + binary.PutUvarint(out[1:], uint64(len(raw)))
	n, err := lz4.CompressBlock(raw, out[hdr:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return raw, nil
	}
	return out[:hdr+n], nil
}

func (LZ4Codec) Decode(data []byte) (PostingMap, error) { return decodeBlob(data) }

// decodeBlob detects the blob format from its first bytes.
func decodeBlob(data []byte) (PostingMap, error) {
	var raw []byte
	switch {
	case len(data) == 0:
		return PostingMap{}, nil
	case bytes.HasPrefix(data, zstdMagic):
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		raw = out
	case data[0] == lz4Tag:
		size, n := binary.Uvarint(data[1:])
		if n <= 0 {
			return nil, errors.New("lz4 blob: bad length header")
		}
		raw = make([]byte, size)
		m, err := lz4.UncompressBlock(data[1+n:], raw)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		raw = raw[:m]
	default:
		raw = data
	}
	p := make(PostingMap)
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding postings: %w", err)
	}
	return p, nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}
