// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"io"
)

// MaxChunkSize is the maximum allowed size for a single SSE chunk (64KB).
const MaxChunkSize = 64 * 1024

// sseReader parses Server-Sent Events from a vendor response body.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent reads the next SSE event, returning its data payload.
// Returns io.EOF when the stream ends.
func (s *sseReader) readEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Flush any buffered data before EOF.
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			if len(data) > MaxChunkSize {
				return nil, ErrMalformedStream
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (event:, id:, retry:, comments).
	}
}
