package codec

import (
	"encoding/json"
	"errors"

	"pbrpc/message"
)

// JSONCodec writes *message.RPCMessage as a JSON object with short keys.
// Empty fields are omitted and byte fields are base64 per encoding/json.
// Like BinaryCodec it leaves the correlation id to the frame header.
type JSONCodec struct{}

type jsonEnvelope struct {
	Service     string         `json:"svc,omitempty"`
	Method      string         `json:"mth,omitempty"`
	Payload     []byte         `json:"p,omitempty"`
	Attachment  []byte         `json:"att,omitempty"`
	ExtraParams []byte         `json:"ext,omitempty"`
	ErrorCode   int32          `json:"ec,omitempty"`
	ErrorText   string         `json:"et,omitempty"`
	Trace       *message.Trace `json:"tr,omitempty"`
}

var errJSONNotMessage = errors.New("JSONCodec: v must be *RPCMessage")

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errJSONNotMessage
	}
	return json.Marshal(jsonEnvelope{
		Service:     msg.ServiceName,
		Method:      msg.MethodName,
		Payload:     msg.Payload,
		Attachment:  msg.Attachment,
		ExtraParams: msg.ExtraParams,
		ErrorCode:   msg.ErrorCode,
		ErrorText:   msg.ErrorText,
		Trace:       msg.Trace,
	})
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errJSONNotMessage
	}
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	msg.ServiceName = env.Service
	msg.MethodName = env.Method
	msg.Payload = env.Payload
	msg.Attachment = env.Attachment
	msg.ExtraParams = env.ExtraParams
	msg.ErrorCode = env.ErrorCode
	msg.ErrorText = env.ErrorText
	msg.Trace = env.Trace
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
