package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind 标识 wire 消息的类型。
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindAbort    Kind = "abort"
)

// ErrUnknownKind 表示消息类型不在协议定义范围内。
var ErrUnknownKind = errors.New("unknown message kind")

// ProtocolError 描述无法解析的 wire 消息，调用方应直接丢弃该消息。
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Message 是解码后的一条 wire 消息，三个指针中恰有一个非空。
type Message struct {
	Kind     Kind
	Request  *Request
	Response *Response
	Abort    *Abort
}

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeRequest 编码 Request 消息。
func EncodeRequest(req Request) ([]byte, error) {
	return encode(KindRequest, req)
}

// EncodeResponse 编码 Response 消息。
func EncodeResponse(resp Response) ([]byte, error) {
	return encode(KindResponse, resp)
}

// EncodeAbort 编码 Abort 消息。
func EncodeAbort(abort Abort) ([]byte, error) {
	return encode(KindAbort, abort)
}

func encode(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Payload: raw})
}

// Decode 解析一条 wire 消息，任何格式问题都返回 *ProtocolError。
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	if len(env.Payload) == 0 {
		return Message{}, &ProtocolError{Reason: "missing payload"}
	}

	msg := Message{Kind: env.Kind}
	switch env.Kind {
	case KindRequest:
		var req Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return Message{}, &ProtocolError{Reason: "malformed request", Err: err}
		}
		if req.ClientID == uuid.Nil {
			return Message{}, &ProtocolError{Reason: "request without clientId"}
		}
		if req.URL == "" {
			return Message{}, &ProtocolError{Reason: "request without url"}
		}
		msg.Request = &req
	case KindResponse:
		var resp Response
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return Message{}, &ProtocolError{Reason: "malformed response", Err: err}
		}
		if !resp.Status.Valid() {
			return Message{}, &ProtocolError{Reason: fmt.Sprintf("invalid status %d", int(resp.Status))}
		}
		msg.Response = &resp
	case KindAbort:
		var abort Abort
		if err := json.Unmarshal(env.Payload, &abort); err != nil {
			return Message{}, &ProtocolError{Reason: "malformed abort", Err: err}
		}
		if abort.ClientID == uuid.Nil {
			return Message{}, &ProtocolError{Reason: "abort without clientId"}
		}
		msg.Abort = &abort
	default:
		return Message{}, &ProtocolError{Reason: string(env.Kind), Err: ErrUnknownKind}
	}
	return msg, nil
}
