package common

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// CompressData xz-compresses data.
func CompressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("fail to create xz writer, err: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("fail to compress data, err: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("fail to close xz writer, err: %w", err)
	}
	return buf.Bytes(), nil
}

func DecompressData(compressedData []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, fmt.Errorf("fail to create xz reader, err: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fail to decompress data, err: %w", err)
	}
	return out, nil
}
