// Package snapshot encodes page trees into the compressed form shared by the
// cache, the archive and the database.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

// MaxDecodedSize caps a decompressed snapshot.
const MaxDecodedSize = 64 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		encoder, initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if initErr != nil {
			return
		}
		decoder, initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return encoder, decoder, initErr
}

// Page is what gets persisted for one page: the tree plus its component
// name table.
type Page struct {
	Name       string            `json:"name,omitempty"`
	Tree       tree.Tree         `json:"tree"`
	Components map[string]string `json:"components,omitempty"`
}

// Marshal renders p as indented JSON, the form committed to history.
func Marshal(p Page) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal page: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses JSON produced by Marshal and validates the tree.
func Unmarshal(data []byte) (Page, error) {
	var p Page
	if err := json.Unmarshal(data, &p); err != nil {
		return Page{}, fmt.Errorf("unmarshal page: %w", err)
	}
	if err := p.Tree.Validate(); err != nil {
		return Page{}, fmt.Errorf("unmarshal page: %w", err)
	}
	return p, nil
}

// Encode compresses p.
func Encode(p Page) ([]byte, error) {
	enc, _, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal page: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/3)), nil
}

// Decode reverses Encode. Plain JSON input is accepted too, so rows written
// before compression was enabled still load.
func Decode(data []byte) (Page, error) {
	if len(data) == 0 {
		return Page{}, errors.New("decode page: empty snapshot")
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		return Unmarshal(data)
	}
	_, dec, err := codecs()
	if err != nil {
		return Page{}, fmt.Errorf("zstd init: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return Page{}, fmt.Errorf("decompress page: %w", err)
	}
	return Unmarshal(raw)
}
