package fragment

import (
	"reflect"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	h := Header{Version: Version, MsgID: 42, TotalLen: 95, FragIdx: 1, FragCnt: 4}
	payload := []byte("0123456789")

	buf := EncodeData(h, payload)
	gotH, gotPayload, err := DecodeData(buf)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	h.Type = TypeData
	h.PayloadLen = byte(len(payload))
	if !reflect.DeepEqual(gotH, h) {
		t.Errorf("got header %+v, want %+v", gotH, h)
	}
	if string(gotPayload) != string(payload) {
		t.Errorf("got payload %q, want %q", gotPayload, payload)
	}
}

func TestDataCorruptedPayloadRejected(t *testing.T) {
	h := Header{Version: Version, MsgID: 1, TotalLen: 5, FragIdx: 0, FragCnt: 1}
	buf := EncodeData(h, []byte("hello"))
	buf[HeaderSize] ^= 0x01

	if _, _, err := DecodeData(buf); err == nil {
		t.Fatalf("expected error decoding corrupted fragment")
	}
}

func TestDataUnknownVersionRejected(t *testing.T) {
	h := Header{Version: 0x02, MsgID: 1, TotalLen: 5, FragIdx: 0, FragCnt: 1}
	buf := EncodeData(h, []byte("hello"))
	if _, _, err := DecodeData(buf); err == nil {
		t.Fatalf("expected error decoding unknown version fragment")
	}
}

func TestNackRoundTrip(t *testing.T) {
	n := Nack{MsgID: 7, Indices: []uint16{1, 2, 5}}
	buf := EncodeNack(n)
	got, err := DecodeNack(buf)
	if err != nil {
		t.Fatalf("DecodeNack: %v", err)
	}
	if !reflect.DeepEqual(got, n) {
		t.Errorf("got %+v, want %+v", got, n)
	}
}

func TestNackEmptyIndices(t *testing.T) {
	n := Nack{MsgID: 3, Indices: nil}
	buf := EncodeNack(n)
	got, err := DecodeNack(buf)
	if err != nil {
		t.Fatalf("DecodeNack: %v", err)
	}
	if got.MsgID != 3 || len(got.Indices) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestDoneRoundTrip(t *testing.T) {
	buf := EncodeDone(0xBEEF)
	if len(buf) != DoneSize {
		t.Fatalf("EncodeDone produced %d bytes, want %d", len(buf), DoneSize)
	}
	msgID, err := DecodeDone(buf)
	if err != nil {
		t.Fatalf("DecodeDone: %v", err)
	}
	if msgID != 0xBEEF {
		t.Errorf("got msg_id %#04x, want 0xBEEF", msgID)
	}
}

func TestDoneCorruptedRejected(t *testing.T) {
	buf := EncodeDone(1)
	buf[len(buf)-1] ^= 0x01
	if _, err := DecodeDone(buf); err == nil {
		t.Fatalf("expected error decoding corrupted done message")
	}
}

func TestPeekType(t *testing.T) {
	buf := EncodeDone(1)
	typ, ok := PeekType(buf)
	if !ok || typ != TypeDone {
		t.Fatalf("PeekType = (%#02x, %v), want (%#02x, true)", typ, ok, TypeDone)
	}
	if _, ok := PeekType([]byte{0x01}); ok {
		t.Fatalf("PeekType on a 1-byte buffer should report false")
	}
}
