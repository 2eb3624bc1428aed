package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 注册为 grpc content-subtype；客户端与网关两侧同时使用。
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)  { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                           { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
