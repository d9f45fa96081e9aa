package eloop

import "github.com/moqsien/gkreactor/conn"

type EventHandler = conn.EventHandler

// BuiltinEventHandler does nothing, embed it to implement only the
// callbacks you need.
type BuiltinEventHandler struct{}

func (BuiltinEventHandler) OnOpen(c *conn.Conn) (data []byte, err error) { return }

func (BuiltinEventHandler) OnTrack(c *conn.Conn) error { return nil }

func (BuiltinEventHandler) OnClose(c *conn.Conn, err error) error { return nil }

func (BuiltinEventHandler) OnPacket(p *conn.Peer) error { return nil }
