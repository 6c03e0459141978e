package transport

import (
	"encoding/json"
	"fmt"
)

// JSONCodec gRPC 消息编解码器，帧直接走 JSON
// 服务端与客户端都强制使用，不依赖 protoc 生成代码
type JSONCodec struct{}

// Marshal 实现 encoding.Codec
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame: %w", err)
	}
	return data, nil
}

// Unmarshal 实现 encoding.Codec
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling frame: %w", err)
	}
	return nil
}

// Name 实现 encoding.Codec
func (JSONCodec) Name() string { return "skx-json" }
