package protocol

import (
	"encoding/binary"
	"io"

	"github.com/lk2023060901/chatroom-garden-go/internal/json"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

// defaultMaxFrameSize 为允许的最大帧大小（Message 序列化后长度），单位字节。
const defaultMaxFrameSize uint32 = 64 * 1024 // 64KB

// Codec 使用长度前缀（4 字节大端）作为帧边界，帧体为 JSON 编码的 Message。
// 适用于基于流的连接（如 TCP）。
//
// 约定：
//   - 一帧数据的格式为：4 字节大端无符号整型（表示后续 JSON 数据的长度）+ JSON 数据。
//   - 超出 MaxFrameSize 的帧在读写两侧均被拒绝。
type Codec struct {
	// MaxFrameSize 为允许的最大帧大小，为 0 时使用默认值 defaultMaxFrameSize。
	MaxFrameSize uint32
}

// NewCodec 创建一个帧编解码器。
// maxFrameSize 为 0 时使用默认值。
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &Codec{
		MaxFrameSize: maxFrameSize,
	}
}

// WriteMessage 将 Message 编码为长度前缀帧并写入。
func (c *Codec) WriteMessage(w io.Writer, msg *Message) error {
	if msg == nil {
		return merr.WrapErrInvalidMessage("message is nil")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return merr.WrapErrDecodeFailed(err)
	}

	length := uint32(len(body))
	if length > c.effectiveMaxSize() {
		return merr.WrapErrFrameTooLarge(length, c.effectiveMaxSize())
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], length)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	return nil
}

// ReadMessage 从流中读取一帧数据并解码为 Message。
//
// 返回的错误分两类：传输错误原样返回；帧长超限或 JSON 解析失败
// 返回解码类错误，此后流的帧边界不再可信，调用方应关闭连接。
func (c *Codec) ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > c.effectiveMaxSize() {
		return nil, merr.WrapErrFrameTooLarge(length, c.effectiveMaxSize())
	}
	if length == 0 {
		return nil, merr.WrapErrDecodeFailed(nil, "empty frame")
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	msg := &Message{}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, merr.WrapErrDecodeFailed(err)
	}
	return msg, nil
}

func (c *Codec) effectiveMaxSize() uint32 {
	if c == nil || c.MaxFrameSize == 0 {
		return defaultMaxFrameSize
	}
	return c.MaxFrameSize
}
