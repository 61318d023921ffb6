package common

import (
	"bytes"
	"testing"
)

func TestDataCompression(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("message"),
		{},
		bytes.Repeat([]byte(`{"ciphertext":"AAAA","nonce":"BBBB"}`), 512),
	} {
		compressedData, err := CompressData(data)
		if err != nil {
			t.Fatal(err)
		}

		decompressedData, err := DecompressData(compressedData)
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(decompressedData, data) {
			t.Fatalf("decompressed: %s, expected: %s", decompressedData, data)
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	if _, err := DecompressData([]byte("not xz")); err == nil {
		t.Fatal("expected error for non xz input")
	}
}
