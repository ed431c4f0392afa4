package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

type CodecSuite struct {
	suite.Suite

	codec *Codec
}

func (s *CodecSuite) SetupTest() {
	s.codec = NewCodec(0)
}

func (s *CodecSuite) TestRoundTrip() {
	msg := NewMessage(TypeChat, "alice", "hello")

	var buf bytes.Buffer
	err := s.codec.WriteMessage(&buf, msg)
	s.NoError(err)

	got, err := s.codec.ReadMessage(&buf)
	s.NoError(err)
	s.Equal(msg.Type, got.Type)
	s.Equal(msg.Sender, got.Sender)
	s.Equal(msg.Content, got.Content)
	s.Equal(msg.Timestamp, got.Timestamp)
}

func (s *CodecSuite) TestPrivateRoundTrip() {
	msg := NewPrivateMessage("alice", "bob", "悄悄话")

	var buf bytes.Buffer
	s.NoError(s.codec.WriteMessage(&buf, msg))

	got, err := s.codec.ReadMessage(&buf)
	s.NoError(err)
	s.Equal(TypePrivateChat, got.Type)
	s.Equal("bob", got.Receiver)
	s.Equal("悄悄话", got.Content)
}

func (s *CodecSuite) TestWriteNil() {
	var buf bytes.Buffer
	err := s.codec.WriteMessage(&buf, nil)
	s.ErrorIs(err, merr.ErrInvalidMessage)
	s.Zero(buf.Len())
}

func (s *CodecSuite) TestWriteOversized() {
	codec := NewCodec(16)
	msg := NewMessage(TypeChat, "alice", "this content does not fit in sixteen bytes")

	var buf bytes.Buffer
	err := codec.WriteMessage(&buf, msg)
	s.ErrorIs(err, merr.ErrFrameTooLarge)
	s.Zero(buf.Len())
}

func (s *CodecSuite) TestReadOversizedHeader() {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], s.codec.MaxFrameSize+1)
	buf.Write(header[:])

	_, err := s.codec.ReadMessage(&buf)
	s.ErrorIs(err, merr.ErrFrameTooLarge)
}

func (s *CodecSuite) TestReadCorruptBody() {
	body := []byte("{not json")

	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	_, err := s.codec.ReadMessage(&buf)
	s.ErrorIs(err, merr.ErrDecodeFailed)
}

func (s *CodecSuite) TestReadEmptyFrame() {
	var buf bytes.Buffer
	var header [4]byte
	buf.Write(header[:])

	_, err := s.codec.ReadMessage(&buf)
	s.ErrorIs(err, merr.ErrDecodeFailed)
}

func (s *CodecSuite) TestReadTruncated() {
	msg := NewMessage(TypeChat, "alice", "hello")

	var buf bytes.Buffer
	s.NoError(s.codec.WriteMessage(&buf, msg))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := s.codec.ReadMessage(truncated)
	s.Error(err)
	s.NotErrorIs(err, merr.ErrDecodeFailed)
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}
