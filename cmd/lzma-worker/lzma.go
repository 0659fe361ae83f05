package main

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ulikunitz/xz/lzma"

	lzmux "github.com/eugener/lzmux/internal"
)

// chunkSize is how much input is consumed between progress reports.
const chunkSize = 64 << 10

// modeParams are the per-level encoder settings. Dictionary sizes and match
// finders follow the LZMA-JS level table; the encoder has no nice-length knob.
type modeParams struct {
	dictBits uint
	matcher  lzma.MatchAlgorithm
}

var modes = [...]modeParams{
	1: {16, lzma.HashTable4},
	2: {20, lzma.HashTable4},
	3: {19, lzma.BinaryTree},
	4: {20, lzma.BinaryTree},
	5: {21, lzma.BinaryTree},
	6: {22, lzma.BinaryTree},
	7: {23, lzma.BinaryTree},
	8: {24, lzma.BinaryTree},
	9: {25, lzma.BinaryTree},
}

// compress encodes text as a .lzma stream with the uncompressed size in
// the header. Empty text is written with an unknown size and an end marker.
func compress(text string, mode lzmux.Mode, progress func(float64)) ([]byte, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("mode %d out of range [%d, %d]", mode, lzmux.MinMode, lzmux.MaxMode)
	}
	p := modes[mode]
	cfg := lzma.WriterConfig{
		DictCap: 1 << p.dictBits,
		Matcher: p.matcher,
	}
	if len(text) > 0 {
		cfg.Size = int64(len(text))
		cfg.SizeInHeader = true
	} else {
		// Empty input: unknown size, terminated by an end marker.
		cfg.EOSMarker = true
	}

	var buf bytes.Buffer
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	total := len(text)
	for off := 0; off < total; off += chunkSize {
		end := min(off+chunkSize, total)
		if _, err := io.WriteString(w, text[off:end]); err != nil {
			return nil, err
		}
		progress(float64(end) / float64(total))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress decodes a .lzma stream. The result is text when the output is
// valid UTF-8.
func decompress(data []byte, progress func(float64)) (lzmux.Result, error) {
	in := &countingReader{r: bytes.NewReader(data)}
	r, err := lzma.NewReader(in)
	if err != nil {
		return lzmux.Result{}, err
	}

	var out bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		out.Write(chunk[:n])
		if n > 0 && len(data) > 0 {
			progress(float64(in.n) / float64(len(data)))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return lzmux.Result{}, err
		}
	}

	b := out.Bytes()
	return lzmux.Result{Data: b, Text: utf8.Valid(b)}, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
