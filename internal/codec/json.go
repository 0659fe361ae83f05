package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/tidwall/gjson"

	lzmux "github.com/eugener/lzmux/internal"
)

// JSON encodes newline-delimited JSON objects. Payload bytes travel as
// arrays of signed 8-bit integers, the convention of LZMA-JS workers.
type JSON struct{}

// Name returns "json".
func (JSON) Name() string { return NameJSON }

// NewEncoder returns an encoder writing one object per line to w.
func (JSON) NewEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonEncoder{enc: enc}
}

// NewDecoder returns a decoder reading one object per line from r.
func (JSON) NewDecoder(r io.Reader, maxFrame int) Decoder {
	s := bufio.NewScanner(r)
	limit := maxFrameOrDefault(maxFrame)
	s.Buffer(make([]byte, 0, min(64*1024, limit)), limit)
	return &jsonDecoder{s: s}
}

// signedBytes marshals as a JSON array of int8 values.
type signedBytes []byte

func (b signedBytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, c := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendInt(out, int64(int8(c)), 10)
	}
	return append(out, ']'), nil
}

type jsonEncoder struct{ enc *json.Encoder }

func (e *jsonEncoder) EncodeRequest(req *lzmux.Request) error {
	w := toWireRequest(req)
	if b, ok := w.Data.([]byte); ok {
		w.Data = signedBytes(b)
	}
	return e.enc.Encode(w)
}

func (e *jsonEncoder) EncodeReply(rep *lzmux.Reply) error {
	w := toWireReply(rep)
	if b, ok := w.Result.([]byte); ok {
		w.Result = signedBytes(b)
	}
	return e.enc.Encode(w)
}

type jsonDecoder struct{ s *bufio.Scanner }

// next returns the next non-blank line.
func (d *jsonDecoder) next() ([]byte, error) {
	for d.s.Scan() {
		line := bytes.TrimSpace(d.s.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, malformed("invalid json")
		}
		return line, nil
	}
	err := d.s.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, fmt.Errorf("%w: %v", lzmux.ErrFrameTooLarge, err)
	default:
		return nil, err
	}
}

func (d *jsonDecoder) DecodeRequest() (*lzmux.Request, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	obj := gjson.ParseBytes(line)
	if !obj.IsObject() {
		return nil, malformed("frame is not an object")
	}
	req := &lzmux.Request{Action: lzmux.Action(obj.Get("action").Int())}
	if id := obj.Get("callback_num"); id.Exists() {
		n, err := jsonRequestID(id)
		if err != nil {
			return nil, err
		}
		req.ID = n
	}
	data := obj.Get("data")
	switch {
	case data.Type == gjson.String:
		req.Text = data.String()
		if req.Action != lzmux.ActionCompress {
			req.Data = []byte(req.Text)
		}
	case data.IsArray():
		b, err := bytesFromJSON(data)
		if err != nil {
			return nil, err
		}
		req.Data = b
	}
	if m := obj.Get("mode"); m.Type == gjson.Number {
		req.Mode = lzmux.Mode(m.Int())
	}
	return req, nil
}

func (d *jsonDecoder) DecodeReply() (*lzmux.Reply, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	obj := gjson.ParseBytes(line)
	if !obj.IsObject() {
		return nil, malformed("frame is not an object")
	}
	rep := &lzmux.Reply{Action: lzmux.Action(obj.Get("action").Int())}
	if id := obj.Get("callback_num"); id.Type == gjson.Number {
		n, err := jsonRequestID(id)
		if err != nil {
			return nil, err
		}
		rep.ID = n
		rep.HasID = true
	}
	if e := obj.Get("error"); e.IsObject() {
		rep.Err = &lzmux.Fault{
			Message:  e.Get("message").String(),
			Filename: e.Get("filename").String(),
			Line:     int(e.Get("lineno").Int()),
		}
		return rep, nil
	} else if e.Type == gjson.String {
		rep.Err = &lzmux.Fault{Message: e.String()}
		return rep, nil
	}
	if !rep.HasID {
		return nil, malformed("reply has neither callback_num nor error")
	}

	res := obj.Get("result")
	if rep.Action == lzmux.ActionProgress {
		if res.Type != gjson.Number {
			return nil, malformed("progress result is %s", res.Type)
		}
		rep.Result.Progress = res.Float()
		return rep, nil
	}
	switch {
	case res.Type == gjson.String:
		rep.Result = lzmux.Result{Data: []byte(res.String()), Text: true}
	case res.IsArray():
		b, err := bytesFromJSON(res)
		if err != nil {
			return nil, err
		}
		rep.Result = lzmux.Result{Data: b}
	case res.Type == gjson.False, res.Type == gjson.Null:
		rep.Err = lzmux.ErrNoResult
	default:
		return nil, malformed("result is %s", res.Type)
	}
	return rep, nil
}

func jsonRequestID(v gjson.Result) (lzmux.RequestID, error) {
	if v.Type != gjson.Number {
		return 0, malformed("callback_num is %s", v.Type)
	}
	if v.Num < 0 || v.Num > math.MaxUint32 || v.Num != math.Trunc(v.Num) {
		return 0, malformed("callback_num %s out of range", v.Raw)
	}
	return lzmux.RequestID(v.Num), nil
}

func bytesFromJSON(arr gjson.Result) ([]byte, error) {
	var (
		out []byte
		err error
	)
	arr.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.Number {
			err = malformed("byte %d is %s", len(out), v.Type)
			return false
		}
		b, ok := toByte(v.Float())
		if !ok {
			err = malformed("byte %d out of range: %s", len(out), v.Raw)
			return false
		}
		out = append(out, b)
		return true
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
