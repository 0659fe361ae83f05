package codec

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"

	lzmux "github.com/eugener/lzmux/internal"
)

// Msgpack encodes length-prefixed MessagePack frames. Payload bytes travel
// as native bin values.
type Msgpack struct{}

// Name returns "msgpack".
func (Msgpack) Name() string { return NameMsgpack }

// NewEncoder returns an encoder writing to w.
func (Msgpack) NewEncoder(w io.Writer) Encoder { return &msgpackEncoder{w: w} }

// NewDecoder returns a decoder reading from r.
func (Msgpack) NewDecoder(r io.Reader, maxFrame int) Decoder {
	return &msgpackDecoder{fr: newFrameReader(r, maxFrame)}
}

type msgpackEncoder struct{ w io.Writer }

func (e *msgpackEncoder) EncodeRequest(req *lzmux.Request) error {
	b, err := msgpack.Marshal(toWireRequest(req))
	if err != nil {
		return err
	}
	return writeFrame(e.w, b)
}

func (e *msgpackEncoder) EncodeReply(rep *lzmux.Reply) error {
	b, err := msgpack.Marshal(toWireReply(rep))
	if err != nil {
		return err
	}
	return writeFrame(e.w, b)
}

type msgpackDecoder struct{ fr *frameReader }

func (d *msgpackDecoder) DecodeRequest() (*lzmux.Request, error) {
	body, err := d.fr.next()
	if err != nil {
		return nil, err
	}
	var w wireRequest
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return nil, malformed("msgpack: %v", err)
	}
	return fromWireRequest(&w)
}

func (d *msgpackDecoder) DecodeReply() (*lzmux.Reply, error) {
	body, err := d.fr.next()
	if err != nil {
		return nil, err
	}
	var w wireReply
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return nil, malformed("msgpack: %v", err)
	}
	return fromWireReply(&w)
}
