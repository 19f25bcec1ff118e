package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{MessageType: ClientUploadChunk, ClientID: 7, CurrentItemNum: 3}
	payload := []byte("hello chunk batch")

	if err := WriteFrame(&buf, h, payload); err != nil {
		t.Fatal(err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Header.MessageType != ClientUploadChunk {
		t.Fatalf("message type mismatch: %v", frame.Header.MessageType)
	}
	if frame.Header.ClientID != 7 || frame.Header.CurrentItemNum != 3 {
		t.Fatalf("unexpected header: %+v", frame.Header)
	}
	if frame.Header.DataSize != uint32(len(payload)) {
		t.Fatalf("data size mismatch: got %d want %d", frame.Header.DataSize, len(payload))
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload mismatch: %q", frame.Payload)
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	items := [][]byte{[]byte("a"), []byte("bigger chunk body"), {}}
	for _, it := range items {
		if err := EncodeLengthPrefixed(&buf, it); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range items {
		got, err := DecodeLengthPrefixed(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestFileRecipeHeadRoundTrip(t *testing.T) {
	h := FileRecipeHead{FileSize: 123456789, ChunkCount: 42}
	b := h.Encode()
	got := DecodeFileRecipeHead(b)
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestLoginPayloadRoundTrip(t *testing.T) {
	var p LoginPayload
	for i := range p.FileNameHash {
		p.FileNameHash[i] = byte(i)
	}
	p.EncMasterKey = bytes.Repeat([]byte{0xAB}, 48)

	enc := p.Encode()
	got, err := DecodeLoginPayload(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileNameHash != p.FileNameHash {
		t.Fatal("file name hash mismatch")
	}
	if !bytes.Equal(got.EncMasterKey, p.EncMasterKey) {
		t.Fatal("enc master key mismatch")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var sizeBuf [4]byte
	// A length prefix claiming more than MaxFrameSize.
	for i := range sizeBuf {
		sizeBuf[i] = 0xFF
	}
	buf.Write(sizeBuf[:])
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
