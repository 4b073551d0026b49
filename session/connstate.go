package session

import (
	"posrelay/protocol"
	"posrelay/transport"
)

// OnConnectionStatusChanged 服务端连接状态机，只在 RunCallbacks 内被调用
func (s *Server) OnConnectionStatusChanged(info transport.StatusChange) {
	switch info.State {
	case transport.StateNone:
		// 句柄销毁后的通知，无需处理

	case transport.StateConnecting:
		if s.indexOf(info.Conn) >= 0 {
			s.log.DPanicf("conn %d (%s) is already in the client list", info.Conn, info.Description)
			return
		}
		s.log.Infof("connection request from %s (conn %d)", info.Description, info.Conn)
		if err := s.tr.Accept(info.Conn); err != nil {
			s.reject(info.Conn, "accept failed", err)
			return
		}
		if err := s.tr.SetPollGroup(info.Conn, s.group); err != nil {
			s.reject(info.Conn, "assign poll group failed", err)
			return
		}
		id, ok := s.nextID()
		if !ok {
			s.reject(info.Conn, "identity assignment failed", errNoFreeID)
			return
		}
		if err := s.tr.Send(info.Conn, protocol.MarshalAssignID(id), transport.SendReliable); err != nil {
			s.reject(info.Conn, "send identity failed", err)
			return
		}
		s.clients = append(s.clients, remoteClient{conn: info.Conn, id: id, desc: info.Description})
		s.metrics.IncAccepted()
		s.log.Infof("accepted %s as client %d (%d connected)", info.Description, id, len(s.clients))

	case transport.StateConnected:
		s.log.Debugf("conn %d (%s) connected", info.Conn, info.Description)

	case transport.StateClosedByPeer, transport.StateProblemDetectedLocally:
		if i := s.indexOf(info.Conn); i >= 0 {
			s.drop(i)
		} else if info.OldState == transport.StateConnected {
			s.log.DPanicf("closing conn %d (%s) is not in the client list", info.Conn, info.Description)
		}
		s.log.Infof("connection %s %s: reason %d, %s",
			info.Description, closeVerb(info.State), info.EndReason, info.EndDebug)
		if err := s.tr.CloseConnection(info.Conn, 0, "", false); err != nil {
			s.log.Debugf("close conn %d: %v", info.Conn, err)
		}
	}
}

// reject 关闭一个无法接入的连接；属于可恢复错误，只记录日志
func (s *Server) reject(conn transport.ConnHandle, what string, err error) {
	s.metrics.IncRejected()
	s.log.Warnf("rejecting conn %d: %s: %v", conn, what, err)
	if cerr := s.tr.CloseConnection(conn, 0, "", false); cerr != nil {
		s.log.Debugf("close rejected conn %d: %v", conn, cerr)
	}
}

// drop 移出连接列表，删除其注册表条目并可靠地通知其余客户端
func (s *Server) drop(i int) {
	c := s.clients[i]
	s.clients = append(s.clients[:i], s.clients[i+1:]...)
	if !s.registry.Remove(c.id) {
		return
	}
	msg := protocol.MarshalRemove(c.id)
	for _, other := range s.clients {
		if err := s.tr.Send(other.conn, msg, transport.SendReliable); err != nil {
			s.metrics.IncSendError()
			s.log.Warnf("notify client %d of departure of %d failed: %v", other.id, c.id, err)
			continue
		}
		s.metrics.IncSent()
	}
}

func closeVerb(state transport.State) string {
	if state == transport.StateClosedByPeer {
		return "closed by peer"
	}
	return "problem detected locally"
}

// OnConnectionStatusChanged 客户端连接状态机
func (c *Client) OnConnectionStatusChanged(info transport.StatusChange) {
	switch info.State {
	case transport.StateNone:

	case transport.StateConnecting:
		c.log.Infof("connecting to %s", info.Description)

	case transport.StateConnected:
		c.log.Info("connected to server")

	case transport.StateClosedByPeer, transport.StateProblemDetectedLocally:
		switch {
		case info.OldState == transport.StateConnecting:
			c.log.Warnf("unable to reach server %s: %s (reason %d)", info.Description, info.EndDebug, info.EndReason)
		case info.State == transport.StateProblemDetectedLocally:
			c.log.Warnf("lost contact with server: problem detected locally: %s (reason %d)", info.EndDebug, info.EndReason)
		default:
			c.log.Infof("connection closed by server: %s (reason %d)", info.EndDebug, info.EndReason)
		}
		if err := c.tr.CloseConnection(info.Conn, 0, "", false); err != nil {
			c.log.Debugf("close conn %d: %v", info.Conn, err)
		}
		if info.Conn == c.conn {
			c.conn = transport.InvalidConn
		}
	}
}
