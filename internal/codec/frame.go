package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	lzmux "github.com/eugener/lzmux/internal"
)

const frameHeaderSize = 4

// frameReader reads length-prefixed frames: a 4-byte big-endian body size
// followed by the body.
type frameReader struct {
	r   *bufio.Reader
	max int
	hdr [frameHeaderSize]byte
}

func newFrameReader(r io.Reader, maxFrame int) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024), max: maxFrameOrDefault(maxFrame)}
}

// next returns the next frame body. io.EOF is returned only on a clean
// frame boundary.
func (fr *frameReader) next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(fr.hdr[:])
	if int64(n) > int64(fr.max) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", lzmux.ErrFrameTooLarge, n, fr.max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// writeFrame writes header and body with a single Write call.
func writeFrame(w io.Writer, body []byte) error {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}
