package session

import "fmt"

// Status 当前运行的网络角色
type Status int32

const (
	Inactive Status = iota
	ServerStarting
	ServerActive
	ClientStarting
	ClientActive
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case ServerStarting:
		return "server-starting"
	case ServerActive:
		return "server-active"
	case ClientStarting:
		return "client-starting"
	case ClientActive:
		return "client-active"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
