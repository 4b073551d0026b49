package session

import (
	"time"

	"posrelay/protocol"
)

// Snapshot 每个 Tick 结束时发布的只读状态，供其他协程（管理接口）读取
type Snapshot struct {
	Status    Status            `json:"status"`
	Instance  string            `json:"instance,omitempty"`
	LocalID   int               `json:"local_id"`
	Ticks     uint64            `json:"ticks"`
	Clients   []ClientInfo      `json:"clients,omitempty"`
	Positions []protocol.Record `json:"positions"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ClientInfo 服务端已接入的一个客户端
type ClientInfo struct {
	Conn    uint32 `json:"conn"`
	ID      uint8  `json:"id"`
	Address string `json:"address"`
}

var inactiveSnapshot = &Snapshot{Status: Inactive, LocalID: -1, Positions: []protocol.Record{}}
