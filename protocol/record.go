package protocol

import (
	"encoding/binary"
	"errors"
)

// RecordSize 位置记录的固定长度：1 字节 id + 4 字节 x + 4 字节 y
const RecordSize = 9

// ServerID 服务端自身位置在注册表中的保留编号
const ServerID uint8 = 0

// MaxID 单字节编号的上限（最多 256 个参与者）
const MaxID = 255

var ErrShortBuffer = errors.New("protocol: buffer shorter than position record")

// Position 二维坐标
type Position struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// Record 一个参与者最后已知的位置
type Record struct {
	ID uint8 `json:"id"`
	Position
}

// EncodeRecord 按固定偏移（小端）编码：byte0=id, 1..4=x, 5..8=y
func EncodeRecord(rec Record) [RecordSize]byte {
	var b [RecordSize]byte
	rec.Put(b[:])
	return b
}

// Put 将记录写入 b 的前 9 个字节，b 长度不足时 panic
func (rec Record) Put(b []byte) {
	_ = b[RecordSize-1]
	b[0] = rec.ID
	binary.LittleEndian.PutUint32(b[1:5], uint32(rec.X))
	binary.LittleEndian.PutUint32(b[5:9], uint32(rec.Y))
}

// DecodeRecord 是 EncodeRecord 的逆操作；多余的尾部字节被忽略
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, ErrShortBuffer
	}
	return Record{
		ID: b[0],
		Position: Position{
			X: int32(binary.LittleEndian.Uint32(b[1:5])),
			Y: int32(binary.LittleEndian.Uint32(b[5:9])),
		},
	}, nil
}
