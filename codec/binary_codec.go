package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"pbrpc/message"
)

// BinaryCodec is a compact length-prefixed layout for *message.RPCMessage:
//
//	serviceName  u16 len + bytes
//	methodName   u16 len + bytes
//	payload      u32 len + bytes
//	attachment   u32 len + bytes
//	extraParams  u32 len + bytes
//	errorCode    i32
//	errorText    u16 len + bytes
//	hasTrace     u8, then traceID/spanID/parentSpanID as u16 len + bytes
//
// The correlation id is carried by the frame header, not the body.
type BinaryCodec struct{}

var errNotMessage = errors.New("BinaryCodec: v must be *RPCMessage")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}

	for _, s := range []string{msg.ServiceName, msg.MethodName, msg.ErrorText} {
		if len(s) > 0xFFFF {
			return nil, fmt.Errorf("BinaryCodec: string field too long (%d bytes)", len(s))
		}
	}

	buf := make([]byte, 0, 2+len(msg.ServiceName)+2+len(msg.MethodName)+
		12+len(msg.Payload)+len(msg.Attachment)+len(msg.ExtraParams)+
		4+2+len(msg.ErrorText)+1)

	buf = appendString16(buf, msg.ServiceName)
	buf = appendString16(buf, msg.MethodName)
	buf = appendBytes32(buf, msg.Payload)
	buf = appendBytes32(buf, msg.Attachment)
	buf = appendBytes32(buf, msg.ExtraParams)
	buf = binary.BigEndian.AppendUint32(buf, uint32(msg.ErrorCode))
	buf = appendString16(buf, msg.ErrorText)

	if msg.Trace == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendString16(buf, msg.Trace.TraceID)
		buf = appendString16(buf, msg.Trace.SpanID)
		buf = appendString16(buf, msg.Trace.ParentSpanID)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}

	r := &binaryReader{data: data}
	msg.ServiceName = r.string16()
	msg.MethodName = r.string16()
	msg.Payload = r.bytes32()
	msg.Attachment = r.bytes32()
	msg.ExtraParams = r.bytes32()
	msg.ErrorCode = int32(r.u32())
	msg.ErrorText = r.string16()
	if r.u8() == 1 {
		msg.Trace = &message.Trace{
			TraceID:      r.string16(),
			SpanID:       r.string16(),
			ParentSpanID: r.string16(),
		}
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes32(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// binaryReader walks a body; the first short read sticks in err and every
// later read returns zero values.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("BinaryCodec: truncated body at offset %d (need %d bytes)", r.off, n)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binaryReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binaryReader) string16() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *binaryReader) bytes32() []byte {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
