package protocol

import (
	"errors"
	"fmt"
)

// MsgType 消息类型字节，位于每条消息的最前面
type MsgType uint8

const (
	MsgPosition MsgType = 0x01 // 位置记录（9 字节负载）
	MsgAssignID MsgType = 0x02 // 服务端分配的编号（1 字节负载）
	MsgRemove   MsgType = 0x03 // 参与者离开（1 字节负载）
)

var (
	ErrEmpty       = errors.New("protocol: empty message")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrBadLength   = errors.New("protocol: bad message length")
)

func (t MsgType) String() string {
	switch t {
	case MsgPosition:
		return "position"
	case MsgAssignID:
		return "assign-id"
	case MsgRemove:
		return "remove"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Message 解析后的一条消息。Type 为 MsgPosition 时 Record 有效，其余类型只使用 ID
type Message struct {
	Type   MsgType
	Record Record
	ID     uint8
}

// MarshalPosition 编码位置消息：类型字节 + 9 字节记录
func MarshalPosition(rec Record) []byte {
	b := make([]byte, 1+RecordSize)
	b[0] = byte(MsgPosition)
	rec.Put(b[1:])
	return b
}

// MarshalAssignID 编码编号分配消息
func MarshalAssignID(id uint8) []byte {
	return []byte{byte(MsgAssignID), id}
}

// MarshalRemove 编码参与者离开消息
func MarshalRemove(id uint8) []byte {
	return []byte{byte(MsgRemove), id}
}

// Parse 先按类型字节分派，再校验长度，长度必须精确匹配
func Parse(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrEmpty
	}
	t := MsgType(b[0])
	payload := b[1:]
	switch t {
	case MsgPosition:
		if len(payload) != RecordSize {
			return Message{}, fmt.Errorf("%w: %s message has %d bytes", ErrBadLength, t, len(b))
		}
		rec, err := DecodeRecord(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: t, Record: rec, ID: rec.ID}, nil
	case MsgAssignID, MsgRemove:
		if len(payload) != 1 {
			return Message{}, fmt.Errorf("%w: %s message has %d bytes", ErrBadLength, t, len(b))
		}
		return Message{Type: t, ID: payload[0]}, nil
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}
