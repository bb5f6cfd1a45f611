package s3test

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (aws-chunked) body into dst and returns the decoded length. Chunk
// signatures are not verified; the seed signature in the Authorization
// header already was.
func decodeStreamingPayload(dst io.Writer, body io.Reader) (int64, error) {
	br := bufio.NewReader(body)

	var written int64
	buf := make([]byte, 32*1024)

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errors.New("unexpected EOF while reading chunk header")
			}
			return 0, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		if size == 0 {
			// Final chunk, followed by a CRLF and optional trailers.
			_, _ = br.ReadString('\n')
			break
		}

		limited := &io.LimitedReader{R: br, N: size}
		n, err := io.CopyBuffer(dst, limited, buf)
		if err != nil {
			return 0, fmt.Errorf("read chunk body: %w", err)
		}
		if n != size {
			return 0, fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d", size, n)
		}
		written += n

		if err := expectCRLF(br); err != nil {
			return 0, err
		}
	}

	return written, nil
}

func expectCRLF(br *bufio.Reader) error {
	for _, want := range []byte{'\r', '\n'} {
		b, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("read chunk terminator: %w", err)
		}
		if b != want {
			return fmt.Errorf("expected %q after chunk, got %q", want, b)
		}
	}
	return nil
}
