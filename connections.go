package goState

import (
	"context"
	"strings"

	"github.com/MrEthical07/goState/presence"
	"github.com/sirupsen/logrus"
)

// RegisterConnection records a realtime connection. principalID may be empty
// for anonymous connections; otherwise the connection joins the principal's
// index. metadata may be nil.
func (e *Engine) RegisterConnection(ctx context.Context, connectionID, principalID string, metadata *presence.Metadata) (*presence.Connection, error) {
	conn, err := e.presence.Register(ctx, connectionID, principalID, metadata)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}

	e.metricInc(MetricConnectionRegistered)
	e.emitAudit(ctx, auditEventConnectionRegistered, true, auditSubject{
		principalID:  principalID,
		connectionID: connectionID,
	}, nil, nil)
	e.log.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"principal_id":  principalID,
	}).Debug("goState: connection registered")

	return conn, nil
}

// RemoveConnection removes the connection from every room it joined and from
// its principal's index, deletes rooms it leaves empty, then deletes the
// record. It reports whether the record existed.
func (e *Engine) RemoveConnection(ctx context.Context, connectionID string) (bool, error) {
	removal, err := e.presence.Remove(ctx, connectionID)
	if err != nil {
		return false, componentErr(err, presence.ErrRedisUnavailable)
	}

	if removal.Existed {
		e.metricInc(MetricConnectionRemoved)
	}
	e.metricAdd(MetricRoomLeft, uint64(len(removal.Rooms)))
	e.metricAdd(MetricRoomEmptied, uint64(len(removal.EmptiedRooms)))
	if removal.Existed || len(removal.Rooms) > 0 {
		e.emitAudit(ctx, auditEventConnectionRemoved, true, auditSubject{connectionID: connectionID}, nil, func() map[string]string {
			return map[string]string{
				"rooms":         strings.Join(removal.Rooms, ","),
				"emptied_rooms": strings.Join(removal.EmptiedRooms, ","),
			}
		})
	}
	e.log.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"rooms":         len(removal.Rooms),
	}).Debug("goState: connection removed")

	return removal.Existed, nil
}

// JoinRoom adds connectionID to roomID, creating the room when absent, and
// records the reverse edge. It reports whether the membership is new.
func (e *Engine) JoinRoom(ctx context.Context, connectionID, roomID string) (bool, error) {
	added, err := e.presence.Join(ctx, connectionID, roomID)
	if err != nil {
		return false, componentErr(err, presence.ErrRedisUnavailable)
	}
	if added {
		e.metricInc(MetricRoomJoined)
		e.emitAudit(ctx, auditEventRoomJoined, true, auditSubject{connectionID: connectionID}, nil, func() map[string]string {
			return map[string]string{"room": roomID}
		})
	}
	return added, nil
}

// LeaveRoom removes connectionID from roomID and the reverse edge. The room
// is deleted when its last member leaves.
func (e *Engine) LeaveRoom(ctx context.Context, connectionID, roomID string) error {
	left, emptied, err := e.presence.Leave(ctx, connectionID, roomID)
	if err != nil {
		return componentErr(err, presence.ErrRedisUnavailable)
	}
	if left {
		e.metricInc(MetricRoomLeft)
		e.emitAudit(ctx, auditEventRoomLeft, true, auditSubject{connectionID: connectionID}, nil, func() map[string]string {
			return map[string]string{"room": roomID}
		})
	}
	if emptied {
		e.metricInc(MetricRoomEmptied)
	}
	return nil
}

// GetConnection returns the record, or (nil, nil) when absent.
func (e *Engine) GetConnection(ctx context.Context, connectionID string) (*presence.Connection, error) {
	conn, err := e.presence.Get(ctx, connectionID)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}
	return conn, nil
}

// GetRoom returns the room, or (nil, nil) when it has no members.
func (e *Engine) GetRoom(ctx context.Context, roomID string) (*presence.Room, error) {
	room, err := e.presence.GetRoom(ctx, roomID)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}
	return room, nil
}

// GetConnectionRooms lists the rooms connectionID has joined.
func (e *Engine) GetConnectionRooms(ctx context.Context, connectionID string) ([]string, error) {
	rooms, err := e.presence.ConnectionRooms(ctx, connectionID)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}
	return rooms, nil
}

// GetPrincipalConnections returns the live connections of principalID.
// Expired connection ids are skipped and pruned.
func (e *Engine) GetPrincipalConnections(ctx context.Context, principalID string) ([]*presence.Connection, error) {
	conns, err := e.presence.PrincipalConnections(ctx, principalID)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}
	return conns, nil
}

// GetRoomConnections returns the live members of roomID. Expired connection
// ids are skipped.
func (e *Engine) GetRoomConnections(ctx context.Context, roomID string) ([]*presence.Connection, error) {
	conns, err := e.presence.RoomConnections(ctx, roomID)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}
	return conns, nil
}

// TouchConnection refreshes LastActivity and re-arms every TTL the
// connection owns. It reports false when the connection is gone.
func (e *Engine) TouchConnection(ctx context.Context, connectionID string) (bool, error) {
	ok, err := e.presence.Touch(ctx, connectionID)
	if err != nil {
		return false, componentErr(err, presence.ErrRedisUnavailable)
	}
	return ok, nil
}

// ActiveConnectionCount returns the number of unexpired connections.
func (e *Engine) ActiveConnectionCount(ctx context.Context) (int, error) {
	n, err := e.presence.ActiveCount(ctx)
	if err != nil {
		return 0, componentErr(err, presence.ErrRedisUnavailable)
	}
	return n, nil
}

// ActiveRooms lists rooms that currently have members, sorted.
func (e *Engine) ActiveRooms(ctx context.Context) ([]string, error) {
	rooms, err := e.presence.ActiveRooms(ctx)
	if err != nil {
		return nil, componentErr(err, presence.ErrRedisUnavailable)
	}
	return rooms, nil
}
