// Package codec implements the wire encodings spoken between the dispatcher
// and its worker process. Every codec is symmetric: the dispatcher encodes
// requests and decodes replies, a worker does the opposite.
package codec

import (
	"errors"
	"fmt"
	"io"
	"math"

	lzmux "github.com/eugener/lzmux/internal"
)

// DefaultMaxFrameSize bounds a single encoded frame.
const DefaultMaxFrameSize = 64 << 20

// ErrMalformedFrame marks a frame that was read in full but could not be
// interpreted. The stream stays usable after it.
var ErrMalformedFrame = errors.New("malformed frame")

// Encoder writes frames to an underlying stream. Not safe for concurrent use.
type Encoder interface {
	EncodeRequest(req *lzmux.Request) error
	EncodeReply(rep *lzmux.Reply) error
}

// Decoder reads frames from an underlying stream. Not safe for concurrent use.
type Decoder interface {
	DecodeRequest() (*lzmux.Request, error)
	DecodeReply() (*lzmux.Reply, error)
}

// Codec creates encoders and decoders for one wire format.
type Codec interface {
	// Name returns the codec identifier ("json", "msgpack", "cbor").
	Name() string
	NewEncoder(w io.Writer) Encoder
	// NewDecoder reads frames of at most maxFrame bytes (DefaultMaxFrameSize if <= 0).
	NewDecoder(r io.Reader, maxFrame int) Decoder
}

// Codec names.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
	NameCBOR    = "cbor"
)

// Get returns a codec by name. An empty name selects JSON.
func Get(name string) (Codec, error) {
	switch name {
	case NameJSON, "":
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	case NameCBOR:
		return newCBOR(), nil
	default:
		return nil, fmt.Errorf("%w: %q", lzmux.ErrUnknownCodec, name)
	}
}

// Names lists the supported codec names.
func Names() []string { return []string{NameJSON, NameMsgpack, NameCBOR} }

func maxFrameOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxFrameSize
	}
	return n
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// --- Shared frame shapes for the self-describing binary codecs ---

type wireFault struct {
	Message  string `json:"message" msgpack:"message" cbor:"message"`
	Filename string `json:"filename" msgpack:"filename" cbor:"filename"`
	Line     int    `json:"lineno" msgpack:"lineno" cbor:"lineno"`
}

type wireRequest struct {
	Action int    `json:"action" msgpack:"action" cbor:"action"`
	ID     uint64 `json:"callback_num" msgpack:"callback_num" cbor:"callback_num"`
	Data   any    `json:"data" msgpack:"data" cbor:"data"`
	Mode   any    `json:"mode" msgpack:"mode" cbor:"mode"`
}

type wireReply struct {
	Action int        `json:"action" msgpack:"action" cbor:"action"`
	ID     *uint64    `json:"callback_num,omitempty" msgpack:"callback_num,omitempty" cbor:"callback_num,omitempty"`
	Result any        `json:"result" msgpack:"result" cbor:"result"`
	Error  *wireFault `json:"error,omitempty" msgpack:"error,omitempty" cbor:"error,omitempty"`
}

func toWireRequest(req *lzmux.Request) wireRequest {
	w := wireRequest{Action: int(req.Action), ID: uint64(req.ID), Mode: false}
	if req.Action == lzmux.ActionCompress {
		w.Data = req.Text
		w.Mode = int(req.Mode)
	} else {
		w.Data = req.Data
	}
	return w
}

func fromWireRequest(w *wireRequest) (*lzmux.Request, error) {
	id, err := requestID(w.ID)
	if err != nil {
		return nil, err
	}
	req := &lzmux.Request{Action: lzmux.Action(w.Action), ID: id}
	switch v := w.Data.(type) {
	case string:
		req.Text = v
		if req.Action != lzmux.ActionCompress {
			req.Data = []byte(v)
		}
	case []byte:
		req.Data = v
	case []any:
		b, err := bytesFromList(v)
		if err != nil {
			return nil, err
		}
		req.Data = b
	case nil:
	default:
		return nil, malformed("data has unsupported type %T", v)
	}
	if n, ok := toFloat(w.Mode); ok {
		req.Mode = lzmux.Mode(n)
	}
	return req, nil
}

func toWireReply(rep *lzmux.Reply) wireReply {
	w := wireReply{Action: int(rep.Action)}
	if rep.HasID {
		id := uint64(rep.ID)
		w.ID = &id
	}
	var f *lzmux.Fault
	switch {
	case errors.Is(rep.Err, lzmux.ErrNoResult):
		w.Result = false
	case errors.As(rep.Err, &f):
		w.Error = &wireFault{Message: f.Message, Filename: f.Filename, Line: f.Line}
		w.Result = false
	case rep.Err != nil:
		w.Error = &wireFault{Message: rep.Err.Error()}
		w.Result = false
	case rep.Action == lzmux.ActionProgress:
		w.Result = rep.Result.Progress
	case rep.Result.Text:
		w.Result = string(rep.Result.Data)
	default:
		w.Result = rep.Result.Data
	}
	return w
}

func fromWireReply(w *wireReply) (*lzmux.Reply, error) {
	rep := &lzmux.Reply{Action: lzmux.Action(w.Action)}
	if w.ID != nil {
		id, err := requestID(*w.ID)
		if err != nil {
			return nil, err
		}
		rep.ID = id
		rep.HasID = true
	}
	if w.Error != nil {
		rep.Err = &lzmux.Fault{Message: w.Error.Message, Filename: w.Error.Filename, Line: w.Error.Line}
		return rep, nil
	}
	if !rep.HasID {
		return nil, malformed("reply has neither callback_num nor error")
	}
	res, err := resultFromAny(rep.Action, w.Result)
	if err != nil {
		if errors.Is(err, lzmux.ErrNoResult) {
			rep.Err = err
			return rep, nil
		}
		return nil, err
	}
	rep.Result = res
	return rep, nil
}

// requestID rejects callback numbers that do not fit a RequestID.
func requestID(n uint64) (lzmux.RequestID, error) {
	if n > math.MaxUint32 {
		return 0, malformed("callback_num %d out of range", n)
	}
	return lzmux.RequestID(n), nil
}

// resultFromAny interprets a decoded polymorphic result value.
func resultFromAny(action lzmux.Action, v any) (lzmux.Result, error) {
	if action == lzmux.ActionProgress {
		p, ok := toFloat(v)
		if !ok {
			return lzmux.Result{}, malformed("progress result has type %T", v)
		}
		return lzmux.Result{Progress: p}, nil
	}
	switch r := v.(type) {
	case nil:
		return lzmux.Result{}, lzmux.ErrNoResult
	case bool:
		if !r {
			return lzmux.Result{}, lzmux.ErrNoResult
		}
		return lzmux.Result{}, malformed("result is true")
	case string:
		return lzmux.Result{Data: []byte(r), Text: true}, nil
	case []byte:
		return lzmux.Result{Data: r}, nil
	case []any:
		b, err := bytesFromList(r)
		if err != nil {
			return lzmux.Result{}, err
		}
		return lzmux.Result{Data: b}, nil
	default:
		return lzmux.Result{}, malformed("result has unsupported type %T", v)
	}
}

// bytesFromList converts a list of small integers into bytes. Values in
// [-128, -1] are two's complement signed bytes.
func bytesFromList(list []any) ([]byte, error) {
	out := make([]byte, len(list))
	for i, v := range list {
		n, ok := toFloat(v)
		if !ok {
			return nil, malformed("byte %d has type %T", i, v)
		}
		b, ok := toByte(n)
		if !ok {
			return nil, malformed("byte %d out of range: %v", i, n)
		}
		out[i] = b
	}
	return out, nil
}

func toByte(n float64) (byte, bool) {
	if n != math.Trunc(n) || n < -128 || n > 255 {
		return 0, false
	}
	return byte(int(n)), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
