package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// 本包对 bytedance/sonic 做了一层薄封装，
// 使业务代码的导入路径与标准库 encoding/json 保持一致的使用习惯。
var (
	api = sonic.ConfigStd

	Marshal       = api.Marshal
	Unmarshal     = api.Unmarshal
	MarshalIndent = api.MarshalIndent
)

// NewEncoder 创建一个写入 w 的 JSON 编码器。
func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

// NewDecoder 创建一个从 r 读取的 JSON 解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}
