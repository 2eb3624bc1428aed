package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	env := BuildDeliver("trace-1", Deliver{
		MsgID:        1001,
		SessionID:    7,
		SenderID:     3,
		PartitionID:  0,
		Seq:          42,
		MsgType:      1,
		Content:      json.RawMessage(`{"text":"hi"}`),
		ServerTimeMs: 1700000000000,
	})
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, body, err := ReadFrame(bytes.NewReader(raw), 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Type != TypeDeliver || got.TraceID != "trace-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	p, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	d := p.(*Deliver)
	if d.MsgID != 1001 || d.Seq != 42 || string(d.Content) != `{"text":"hi"}` {
		t.Fatalf("deliver payload mismatch: %+v", d)
	}
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	body, _ := json.Marshal(&Envelope{V: 1, Type: "subscribe"})
	if _, err := DecodeEnvelope(body); !errs.ErrBadFrame.Is(err) {
		t.Fatalf("want bad frame error, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsWrongVersion(t *testing.T) {
	body, _ := json.Marshal(&Envelope{V: 2, Type: TypePing})
	if _, err := DecodeEnvelope(body); !errs.ErrBadFrame.Is(err) {
		t.Fatalf("want bad frame error, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not-json")); !errs.ErrBadFrame.Is(err) {
		t.Fatalf("want bad frame error, got %v", err)
	}
}

func TestDecodePayloadEmptyPayload(t *testing.T) {
	p, err := DecodePayload(&Envelope{V: 1, Type: TypePing})
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if _, ok := p.(*Ping); !ok {
		t.Fatalf("want *Ping, got %T", p)
	}
}

func TestBuildAuthFailCarriesCode(t *testing.T) {
	env := BuildAuthFail(errs.CodeUnauthorized, "invalid credential")
	p, err := DecodePayload(env)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	af := p.(*AuthFail)
	if af.Code != errs.CodeUnauthorized || af.Reason != "invalid credential" {
		t.Fatalf("auth_fail payload mismatch: %+v", af)
	}
}
