package grpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName 是 gob 编解码器在 gRPC 中注册的子类型名。
// 客户端通过 grpc.CallContentSubtype(codecName) 选择它。
const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec 用 encoding/gob 序列化 gRPC 消息。
// 消息类型已在 param 包里完成 gob 注册，无需生成的 protobuf 代码。
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("grpc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("grpc: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string {
	return codecName
}
