package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"

	lzmux "github.com/eugener/lzmux/internal"
)

// CBOR encodes length-prefixed deterministic CBOR frames (RFC 8949 core
// deterministic encoding). Payload bytes travel as byte strings.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOR() CBOR {
	// Both option sets are static and valid; errors here are programming errors.
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return CBOR{enc: em, dec: dm}
}

// Name returns "cbor".
func (CBOR) Name() string { return NameCBOR }

// NewEncoder returns an encoder writing to w.
func (c CBOR) NewEncoder(w io.Writer) Encoder { return &cborEncoder{w: w, em: c.enc} }

// NewDecoder returns a decoder reading from r.
func (c CBOR) NewDecoder(r io.Reader, maxFrame int) Decoder {
	return &cborDecoder{fr: newFrameReader(r, maxFrame), dm: c.dec}
}

type cborEncoder struct {
	w  io.Writer
	em cbor.EncMode
}

func (e *cborEncoder) EncodeRequest(req *lzmux.Request) error {
	b, err := e.em.Marshal(toWireRequest(req))
	if err != nil {
		return err
	}
	return writeFrame(e.w, b)
}

func (e *cborEncoder) EncodeReply(rep *lzmux.Reply) error {
	b, err := e.em.Marshal(toWireReply(rep))
	if err != nil {
		return err
	}
	return writeFrame(e.w, b)
}

type cborDecoder struct {
	fr *frameReader
	dm cbor.DecMode
}

func (d *cborDecoder) DecodeRequest() (*lzmux.Request, error) {
	body, err := d.fr.next()
	if err != nil {
		return nil, err
	}
	var w wireRequest
	if err := d.dm.Unmarshal(body, &w); err != nil {
		return nil, malformed("cbor: %v", err)
	}
	return fromWireRequest(&w)
}

func (d *cborDecoder) DecodeReply() (*lzmux.Reply, error) {
	body, err := d.fr.next()
	if err != nil {
		return nil, err
	}
	var w wireReply
	if err := d.dm.Unmarshal(body, &w); err != nil {
		return nil, malformed("cbor: %v", err)
	}
	return fromWireReply(&w)
}
