package okx

import (
	"bytes"
	"compress/flate"
	"io"
)

// inflate expands a raw-deflate binary frame. Some OKX endpoints compress
// market data this way.
func inflate(msg []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(msg))
	defer reader.Close()
	return io.ReadAll(reader)
}
