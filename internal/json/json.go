package json

import (
	"io"

	"github.com/bytedance/sonic"
)

// 进程内统一的 JSON 编解码入口，基于 bytedance/sonic 的标准兼容配置。
//
// 说明：
//   - 协议帧、投递信封与桥接消息均通过本包编解码，避免各处直接依赖具体实现；
//   - ConfigStd 与 encoding/json 行为保持一致（HTML 转义、key 排序等）。
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}
