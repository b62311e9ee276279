package scanmatch

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// maxInflatedBytes caps decompressed map payloads.
const maxInflatedBytes = 64 << 20

// DecodeMapData decodes a map payload in any of the forms Valetudo emits:
//   - PNG with the map JSON in a zTXt chunk (MQTT map-data topic)
//   - raw JSON (REST API, exported files)
//   - zlib-compressed JSON without a PNG wrapper
func DecodeMapData(data []byte) (*ValetudoMap, error) {
	payload, err := mapPayload(data)
	if err != nil {
		return nil, err
	}
	return ParseMapJSON(payload)
}

func mapPayload(data []byte) ([]byte, error) {
	data = bytes.TrimLeft(data, " \t\r\n")
	switch {
	case len(data) == 0:
		return nil, errors.New("empty map payload")
	case IsPNG(data):
		payload, err := extractPNGzTXt(data)
		if err != nil {
			return nil, fmt.Errorf("extracting PNG zTXt: %w", err)
		}
		if len(payload) == 0 {
			return nil, errors.New("PNG zTXt payload is empty")
		}
		return payload, nil
	case data[0] == '{':
		return data, nil
	default:
		payload, err := inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown map format (not PNG, JSON or zlib): %w", err)
		}
		return payload, nil
	}
}

// IsPNG checks if data starts with the PNG signature.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// extractPNGzTXt walks the PNG chunk list (length, type, data, CRC) and
// inflates the first zTXt chunk.
func extractPNGzTXt(data []byte) ([]byte, error) {
	pos := len(pngMagic)
	for pos+12 <= len(data) {
		chunkLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typeAndData := pos + 4
		end := typeAndData + 4 + chunkLen
		if chunkLen < 0 || end+4 > len(data) {
			return nil, errors.New("truncated PNG chunk")
		}

		chunkType := string(data[typeAndData : typeAndData+4])
		want := binary.BigEndian.Uint32(data[end : end+4])
		if got := crc32.ChecksumIEEE(data[typeAndData:end]); got != want {
			return nil, fmt.Errorf("%s chunk CRC mismatch: got %08x, want %08x", chunkType, got, want)
		}

		switch chunkType {
		case "zTXt":
			return extractZTXtData(data[typeAndData+4 : end])
		case "IEND":
			return nil, errors.New("no zTXt chunk found in PNG")
		}
		pos = end + 4
	}
	return nil, errors.New("no zTXt chunk found in PNG")
}

// extractZTXtData parses keyword\0method compressed-text.
func extractZTXtData(data []byte) ([]byte, error) {
	nullIdx := bytes.IndexByte(data, 0)
	if nullIdx == -1 {
		return nil, errors.New("no null terminator in zTXt chunk")
	}
	if nullIdx+1 >= len(data) {
		return nil, errors.New("truncated zTXt chunk")
	}
	if method := data[nullIdx+1]; method != 0 {
		return nil, fmt.Errorf("unsupported zTXt compression method: %d", method)
	}
	return inflateZlib(data[nullIdx+2:])
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := io.ReadAll(io.LimitReader(reader, maxInflatedBytes))
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return out, nil
}
