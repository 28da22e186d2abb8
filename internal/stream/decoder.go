// Package stream turns a "data: " framed event stream into text deltas.
package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"parley/internal/provider"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	maxLineSize  = 1024 * 1024
)

// ErrDone is returned by Next once the [DONE] sentinel has been read.
var ErrDone = errors.New("stream done")

// Decoder reads event-bearing lines from a response body.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r with a line scanner sized for large fragments.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the payload of the next data line. Blank lines, comments and
// other fields are skipped. It returns ErrDone on the sentinel and io.EOF
// when the body ends without one.
func (d *Decoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " ")
		if strings.TrimSpace(data) == doneSentinel {
			return nil, ErrDone
		}
		if strings.TrimSpace(data) == "" {
			continue
		}
		return []byte(data), nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// DecodeFunc extracts the text delta from one fragment.
type DecodeFunc func(data []byte) (provider.Chunk, error)

// Result summarises one collected stream.
type Result struct {
	Text       string
	Chunks     int
	Skipped    int
	Terminated bool
}

// Collect drains r, calling onChunk for every non-empty delta and
// accumulating the full text. Fragments that fail to decode are counted and
// skipped. The context is checked before each line; a read error, an error
// chunk or cancellation is returned together with whatever was accumulated
// so far.
func Collect(ctx context.Context, r io.Reader, decode DecodeFunc, onChunk func(string)) (Result, error) {
	var (
		res Result
		sb  strings.Builder
	)
	dec := NewDecoder(r)

	for {
		if err := ctx.Err(); err != nil {
			res.Text = sb.String()
			return res, err
		}

		data, err := dec.Next()
		if errors.Is(err, ErrDone) {
			res.Terminated = true
			break
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Text = sb.String()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, err
		}

		chunk, err := decode(data)
		if err != nil {
			res.Skipped++
			continue
		}
		if chunk.Err != nil {
			res.Text = sb.String()
			return res, chunk.Err
		}
		if chunk.Text != "" {
			res.Chunks++
			sb.WriteString(chunk.Text)
			if onChunk != nil {
				onChunk(chunk.Text)
			}
		}
		if chunk.Done {
			res.Terminated = true
			break
		}
	}

	res.Text = sb.String()
	return res, nil
}
