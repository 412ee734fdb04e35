package chunk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/uasc-protocol/uasc-go/pkg/policy"
	"github.com/uasc-protocol/uasc-go/pkg/secheader"
)

func symmetricEnvelope(body []byte) *Envelope {
	return &Envelope{
		Type:      TypeMessage,
		Flag:      FlagFinal,
		ChannelID: 42,
		Symmetric: &secheader.Symmetric{TokenID: 7},
		Sequence:  SequenceHeader{SequenceNumber: 1, RequestID: 100},
		Body:      body,
	}
}

func TestEncodeDecodeSymmetric(t *testing.T) {
	env := symmetricEnvelope([]byte("payload bytes"))

	data, err := Encode(env, 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(data) != env.EncodedSize() {
		t.Errorf("encoded length = %d, EncodedSize() = %d", len(data), env.EncodedSize())
	}

	got, err := Decode(data, KindSymmetric, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != env.Type || got.Flag != env.Flag || got.ChannelID != env.ChannelID {
		t.Errorf("header mismatch: got %+v", got)
	}
	if got.Symmetric == nil || got.Symmetric.TokenID != 7 {
		t.Errorf("symmetric header mismatch: %+v", got.Symmetric)
	}
	if got.Sequence != env.Sequence {
		t.Errorf("sequence header = %+v, want %+v", got.Sequence, env.Sequence)
	}
	if !bytes.Equal(got.Body, env.Body) {
		t.Errorf("body mismatch: got %q, want %q", got.Body, env.Body)
	}
}

func TestEncodeDecodeAsymmetric(t *testing.T) {
	thumbprint := bytes.Repeat([]byte{0xCD}, secheader.ThumbprintLength)
	env := &Envelope{
		Type:      TypeOpenChannel,
		Flag:      FlagFinal,
		ChannelID: 0,
		Asymmetric: &secheader.Asymmetric{
			SecurityPolicyURI:  policy.URIBasic256Sha256,
			SenderCertificate:  []byte{0x30, 0x82, 0x05},
			ReceiverThumbprint: thumbprint,
		},
		Sequence: SequenceHeader{SequenceNumber: 1, RequestID: 1},
		Body:     []byte("open request"),
	}

	data, err := Encode(env, 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data, KindAsymmetric, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Asymmetric == nil || !got.Asymmetric.Equal(env.Asymmetric) {
		t.Errorf("asymmetric header mismatch: %+v", got.Asymmetric)
	}
	if !bytes.Equal(got.Body, env.Body) {
		t.Errorf("body mismatch: got %q", got.Body)
	}
}

func TestMessageSizeInvariant(t *testing.T) {
	data, err := Encode(symmetricEnvelope([]byte("abc")), 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	prefix, err := DecodePrefix(data)
	if err != nil {
		t.Fatalf("DecodePrefix() error = %v", err)
	}
	if prefix.MessageSize != uint32(len(data)) {
		t.Errorf("MessageSize = %d, serialized length = %d", prefix.MessageSize, len(data))
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(symmetricEnvelope([]byte("some body")), 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, err = Decode(data[:len(data)-4], KindSymmetric, 0)
	if !errors.Is(err, ErrTruncatedChunk) {
		t.Errorf("truncated decode: got %v, want ErrTruncatedChunk", err)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	data, _ := Encode(symmetricEnvelope(nil), 0)
	copy(data[:3], "XXX")

	if _, err := Decode(data, KindSymmetric, 0); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("unknown type: got %v, want ErrUnknownMessageType", err)
	}
}

func TestDecodeInvalidChunkFlag(t *testing.T) {
	data, _ := Encode(symmetricEnvelope(nil), 0)
	data[3] = 'Z'

	if _, err := Decode(data, KindSymmetric, 0); !errors.Is(err, ErrInvalidChunkFlag) {
		t.Errorf("invalid flag: got %v, want ErrInvalidChunkFlag", err)
	}
}

func TestEncodeBodyTooLarge(t *testing.T) {
	env := symmetricEnvelope(bytes.Repeat([]byte{0x01}, 1024))

	if _, err := Encode(env, 128); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("oversized encode: got %v, want ErrBodyTooLarge", err)
	}
	if _, err := Encode(env, 4096); err != nil {
		t.Errorf("within ceiling: unexpected error %v", err)
	}
}

func TestDecodeChunkSizeExceeded(t *testing.T) {
	data, _ := Encode(symmetricEnvelope(bytes.Repeat([]byte{0x01}, 256)), 0)

	if _, err := Decode(data, KindSymmetric, 64); !errors.Is(err, ErrChunkSizeExceeded) {
		t.Errorf("over-ceiling decode: got %v, want ErrChunkSizeExceeded", err)
	}
}

func TestDecodePropagatesHeaderErrors(t *testing.T) {
	// Symmetric-shaped chunk decoded as asymmetric: the token id bytes
	// parse as a bogus URI length and must fail as a malformed header,
	// not silently succeed.
	data, _ := Encode(symmetricEnvelope([]byte("body")), 0)

	if _, err := Decode(data, KindAsymmetric, 0); err == nil {
		t.Error("decoding symmetric chunk as asymmetric succeeded, want error")
	}
}

func TestEncodeRequiresExactlyOneHeader(t *testing.T) {
	env := symmetricEnvelope(nil)
	env.Asymmetric = &secheader.Asymmetric{SecurityPolicyURI: policy.URINone}

	if _, err := Encode(env, 0); err == nil {
		t.Error("both header shapes set: want error")
	}

	env.Asymmetric = nil
	env.Symmetric = nil
	if _, err := Encode(env, 0); err == nil {
		t.Error("no header shape set: want error")
	}
}
