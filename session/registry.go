package session

import (
	"sort"

	"posrelay/protocol"
)

// Registry 服务端权威的位置表：id -> 最新位置，条目 0 为服务端自身。
// 只在 Tick 所在协程访问
type Registry struct {
	entries map[uint8]protocol.Position
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint8]protocol.Position)}
}

// Upsert 插入或覆盖，同一记录重复写入结果不变
func (r *Registry) Upsert(rec protocol.Record) {
	r.entries[rec.ID] = rec.Position
}

// Remove 删除条目，返回是否存在
func (r *Registry) Remove(id uint8) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Get(id uint8) (protocol.Position, bool) {
	p, ok := r.entries[id]
	return p, ok
}

// Position 查询任意 id；未知、越界或大于当前条目数的 id 返回零值
func (r *Registry) Position(id int) protocol.Position {
	if id < 0 || id > protocol.MaxID || id > len(r.entries) {
		return protocol.Position{}
	}
	return r.entries[uint8(id)]
}

// Records 按 id 升序返回全部条目
func (r *Registry) Records() []protocol.Record {
	out := make([]protocol.Record, 0, len(r.entries))
	for id, p := range r.entries {
		out = append(out, protocol.Record{ID: id, Position: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Clear() {
	clear(r.entries)
}
