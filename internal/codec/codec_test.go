package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	lzmux "github.com/eugener/lzmux/internal"
)

func TestGet(t *testing.T) {
	t.Parallel()

	for _, name := range append(Names(), "") {
		c, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		want := name
		if want == "" {
			want = NameJSON
		}
		if c.Name() != want {
			t.Errorf("Get(%q).Name() = %q, want %q", name, c.Name(), want)
		}
	}

	if _, err := Get("protobuf"); !errors.Is(err, lzmux.ErrUnknownCodec) {
		t.Errorf("Get(protobuf) err = %v, want ErrUnknownCodec", err)
	}
}

func TestJSONDecodeReplyLZMAJSShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		check   func(t *testing.T, rep *lzmux.Reply)
		wantErr error
	}{
		{
			name: "compress result as signed bytes",
			line: `{"action":1,"callback_num":42,"result":[93,0,-128,-1,127]}`,
			check: func(t *testing.T, rep *lzmux.Reply) {
				if !rep.HasID || rep.ID != 42 {
					t.Errorf("id = %d (has=%v), want 42", rep.ID, rep.HasID)
				}
				want := []byte{93, 0, 0x80, 0xff, 127}
				if !bytes.Equal(rep.Result.Data, want) {
					t.Errorf("data = %v, want %v", rep.Result.Data, want)
				}
			},
		},
		{
			name: "decompress result as text",
			line: `{"action":2,"callback_num":7,"result":"hello world"}`,
			check: func(t *testing.T, rep *lzmux.Reply) {
				if !rep.Result.Text || rep.Result.String() != "hello world" {
					t.Errorf("result = %+v, want text hello world", rep.Result)
				}
			},
		},
		{
			name: "progress",
			line: `{"action":3,"callback_num":7,"result":0.25}`,
			check: func(t *testing.T, rep *lzmux.Reply) {
				if rep.Action != lzmux.ActionProgress || rep.Result.Progress != 0.25 {
					t.Errorf("reply = %+v, want progress 0.25", rep)
				}
			},
		},
		{
			name: "terminal false",
			line: `{"action":2,"callback_num":7,"result":false}`,
			check: func(t *testing.T, rep *lzmux.Reply) {
				if !errors.Is(rep.Err, lzmux.ErrNoResult) {
					t.Errorf("err = %v, want ErrNoResult", rep.Err)
				}
			},
		},
		{
			name: "terminal error with id",
			line: `{"action":1,"callback_num":9,"result":false,"error":{"message":"boom","filename":"lzma_worker.js","lineno":12}}`,
			check: func(t *testing.T, rep *lzmux.Reply) {
				if rep.IsFault() {
					t.Error("reply with id must not be a fault")
				}
				if got := rep.Err.Error(); got != "boom (lzma_worker.js:12)" {
					t.Errorf("err = %q", got)
				}
			},
		},
		{
			name: "fault without id",
			line: `{"error":{"message":"uncaught","filename":"w.js","lineno":3}}`,
			check: func(t *testing.T, rep *lzmux.Reply) {
				if !rep.IsFault() {
					t.Error("reply without id must be a fault")
				}
				if !errors.Is(rep.Err, lzmux.ErrWorkerFault) {
					t.Errorf("err = %v, want ErrWorkerFault", rep.Err)
				}
			},
		},
		{name: "no id no error", line: `{"action":1,"result":[1]}`, wantErr: ErrMalformedFrame},
		{name: "byte out of range", line: `{"action":1,"callback_num":1,"result":[256]}`, wantErr: ErrMalformedFrame},
		{name: "progress not a number", line: `{"action":3,"callback_num":1,"result":"half"}`, wantErr: ErrMalformedFrame},
		{name: "not json", line: `{action:1`, wantErr: ErrMalformedFrame},
		{name: "id above uint32", line: `{"action":1,"callback_num":4294967296,"result":[1]}`, wantErr: ErrMalformedFrame},
		{name: "negative id", line: `{"action":1,"callback_num":-1,"result":[1]}`, wantErr: ErrMalformedFrame},
		{name: "fractional id", line: `{"action":1,"callback_num":1.5,"result":[1]}`, wantErr: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dec := JSON{}.NewDecoder(strings.NewReader(tt.line+"\n"), 0)
			rep, err := dec.DecodeReply()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, rep)
		})
	}
}

func TestJSONEncodeRequestWireShape(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := JSON{}.NewEncoder(&buf)
	if err := enc.EncodeRequest(&lzmux.Request{Action: lzmux.ActionCompress, ID: 5, Text: "hi <b>", Mode: 3}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeRequest(&lzmux.Request{Action: lzmux.ActionDecompress, ID: 6, Data: []byte{0x5d, 0xff}}); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	if want := `{"action":1,"callback_num":5,"data":"hi <b>","mode":3}`; lines[0] != want {
		t.Errorf("compress line = %s, want %s", lines[0], want)
	}
	if want := `{"action":2,"callback_num":6,"data":[93,-1],"mode":false}`; lines[1] != want {
		t.Errorf("decompress line = %s, want %s", lines[1], want)
	}
}

func TestJSONDecoderSkipsBlankLinesAndRecovers(t *testing.T) {
	t.Parallel()

	in := "\n{garbage\n\n" + `{"action":1,"callback_num":1,"result":[1,2]}` + "\n"
	dec := JSON{}.NewDecoder(strings.NewReader(in), 0)

	if _, err := dec.DecodeReply(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("first decode err = %v, want ErrMalformedFrame", err)
	}
	rep, err := dec.DecodeReply()
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if rep.ID != 1 || len(rep.Result.Data) != 2 {
		t.Errorf("reply = %+v", rep)
	}
	if _, err := dec.DecodeReply(); err != io.EOF {
		t.Errorf("third decode err = %v, want io.EOF", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, _ := Get(name)

			var buf bytes.Buffer
			enc := c.NewEncoder(&buf)
			big := &lzmux.Reply{Action: lzmux.ActionCompress, ID: 1, HasID: true, Result: lzmux.Result{Data: make([]byte, 4096)}}
			if err := enc.EncodeReply(big); err != nil {
				t.Fatal(err)
			}

			_, err := c.NewDecoder(&buf, 512).DecodeReply()
			if !errors.Is(err, lzmux.ErrFrameTooLarge) {
				t.Errorf("err = %v, want ErrFrameTooLarge", err)
			}
		})
	}
}

func TestJSONDecodeRequestRejectsOversizedID(t *testing.T) {
	t.Parallel()

	line := `{"action":1,"callback_num":4294967297,"data":"x","mode":1}` + "\n"
	_, err := JSON{}.NewDecoder(strings.NewReader(line), 0).DecodeRequest()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestBinaryCodecsRejectOversizedID(t *testing.T) {
	t.Parallel()

	frame := map[string]any{"action": 1, "callback_num": uint64(1) << 32, "result": []byte{1}}
	marshal := map[string]func(any) ([]byte, error){
		NameMsgpack: msgpack.Marshal,
		NameCBOR:    cbor.Marshal,
	}
	for name, fn := range marshal {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			body, err := fn(frame)
			if err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if err := writeFrame(&buf, body); err != nil {
				t.Fatal(err)
			}
			c, _ := Get(name)
			if _, err := c.NewDecoder(&buf, 0).DecodeReply(); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	t.Parallel()

	requests := []*lzmux.Request{
		{Action: lzmux.ActionCompress, ID: 9_999_999, Text: "hello world", Mode: 9},
		{Action: lzmux.ActionDecompress, ID: 0, Data: []byte{0x5d, 0x00, 0x00, 0x80, 0xff}},
	}
	replies := []*lzmux.Reply{
		{Action: lzmux.ActionProgress, ID: 3, HasID: true, Result: lzmux.Result{Progress: 0.5}},
		{Action: lzmux.ActionCompress, ID: 3, HasID: true, Result: lzmux.Result{Data: []byte{1, 2, 0xfe}}},
		{Action: lzmux.ActionDecompress, ID: 4, HasID: true, Result: lzmux.Result{Data: []byte("text"), Text: true}},
		{Action: lzmux.ActionDecompress, ID: 4, HasID: true, Err: lzmux.ErrNoResult},
		{Err: &lzmux.Fault{Message: "oops", Filename: "worker", Line: 7}},
	}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, _ := Get(name)
			var buf bytes.Buffer
			enc := c.NewEncoder(&buf)
			for _, r := range requests {
				if err := enc.EncodeRequest(r); err != nil {
					t.Fatal(err)
				}
			}
			for _, r := range replies {
				if err := enc.EncodeReply(r); err != nil {
					t.Fatal(err)
				}
			}

			dec := c.NewDecoder(&buf, 0)
			for i, want := range requests {
				got, err := dec.DecodeRequest()
				if err != nil {
					t.Fatalf("request %d: %v", i, err)
				}
				if got.Action != want.Action || got.ID != want.ID || got.Mode != want.Mode || got.Text != want.Text {
					t.Errorf("request %d = %+v, want %+v", i, got, want)
				}
				if want.Data != nil && !bytes.Equal(got.Data, want.Data) {
					t.Errorf("request %d data = %v, want %v", i, got.Data, want.Data)
				}
			}
			for i, want := range replies {
				got, err := dec.DecodeReply()
				if err != nil {
					t.Fatalf("reply %d: %v", i, err)
				}
				if got.HasID != want.HasID || got.ID != want.ID {
					t.Errorf("reply %d id = %d/%v, want %d/%v", i, got.ID, got.HasID, want.ID, want.HasID)
				}
				if (got.Err == nil) != (want.Err == nil) {
					t.Fatalf("reply %d err = %v, want %v", i, got.Err, want.Err)
				}
				if want.Err != nil {
					if got.Err.Error() != want.Err.Error() {
						t.Errorf("reply %d err = %q, want %q", i, got.Err, want.Err)
					}
					continue
				}
				if got.Result.Progress != want.Result.Progress || got.Result.Text != want.Result.Text ||
					!bytes.Equal(got.Result.Data, want.Result.Data) {
					t.Errorf("reply %d result = %+v, want %+v", i, got.Result, want.Result)
				}
			}
			if _, err := dec.DecodeReply(); err != io.EOF {
				t.Errorf("trailing decode err = %v, want io.EOF", err)
			}
		})
	}
}
