package goState

import (
	"context"
	"strconv"

	"github.com/MrEthical07/goState/internal"
	"github.com/MrEthical07/goState/session"
	"github.com/sirupsen/logrus"
)

// CreateSession stores a new session for principal and returns its opaque
// id. metadata may be nil; its IP and user agent fall back to the values
// attached to ctx.
func (e *Engine) CreateSession(ctx context.Context, principal Principal, metadata *SessionMetadata) (string, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return "", err
	}

	now := e.now().UnixMilli()
	sess := &session.Session{
		SchemaVersion: session.CurrentSchemaVersion,
		SessionID:     sid.String(),
		PrincipalID:   principal.ID,
		Nickname:      principal.Nickname,
		Role:          principal.Role,
		IP:            ClientIPFromContext(ctx),
		UserAgent:     UserAgentFromContext(ctx),
		LoginTime:     now,
		LastActivity:  now,
	}
	if metadata != nil {
		if metadata.IP != "" {
			sess.IP = metadata.IP
		}
		if metadata.UserAgent != "" {
			sess.UserAgent = metadata.UserAgent
		}
	}

	if err := e.sessions.Save(ctx, sess); err != nil {
		return "", componentErr(err, session.ErrRedisUnavailable)
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, auditSubject{
		principalID: sess.PrincipalID,
		sessionID:   sess.SessionID,
	}, nil, nil)
	e.log.WithFields(logrus.Fields{
		"principal_id": sess.PrincipalID,
		"session_id":   sess.SessionID,
	}).Debug("goState: session created")

	return sess.SessionID, nil
}

// GetSession returns the session and extends its expiry by the full TTL,
// refreshing LastActivity. A missing or expired session yields (nil, nil).
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, componentErr(err, session.ErrRedisUnavailable)
	}
	return sess, nil
}

// PeekSession returns the session without extending it.
func (e *Engine) PeekSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := e.sessions.GetReadOnly(ctx, sessionID)
	if err != nil {
		return nil, componentErr(err, session.ErrRedisUnavailable)
	}
	return sess, nil
}

// RemoveSession deletes the session and drops it from its principal's
// index. Removing an unknown session is not an error.
func (e *Engine) RemoveSession(ctx context.Context, sessionID string) error {
	existed, err := e.sessions.Delete(ctx, sessionID)
	if err != nil {
		return componentErr(err, session.ErrRedisUnavailable)
	}
	if existed {
		e.metricInc(MetricSessionRemoved)
		e.emitAudit(ctx, auditEventSessionRemoved, true, auditSubject{sessionID: sessionID}, nil, nil)
	}
	return nil
}

// RemoveAllSessions deletes every session of principalID and the index
// itself. It returns how many session records were deleted.
func (e *Engine) RemoveAllSessions(ctx context.Context, principalID string) (int, error) {
	n, err := e.sessions.DeleteAllForPrincipal(ctx, principalID)
	if err != nil {
		return 0, componentErr(err, session.ErrRedisUnavailable)
	}
	e.metricAdd(MetricSessionRemoved, uint64(n))
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, auditSubject{principalID: principalID}, nil, func() map[string]string {
		return map[string]string{"sessions": strconv.Itoa(n)}
	})
	return n, nil
}

// IsValidSession reports whether the session exists. A hit extends it like
// GetSession does.
func (e *Engine) IsValidSession(ctx context.Context, sessionID string) (bool, error) {
	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// ExtendSession re-arms the session TTL. It reports false when the session
// no longer exists.
func (e *Engine) ExtendSession(ctx context.Context, sessionID string) (bool, error) {
	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	e.metricInc(MetricSessionExtended)
	return true, nil
}

// PrincipalSessions lists the live session ids of principalID in sorted
// order. Ids whose records expired are pruned from the index.
func (e *Engine) PrincipalSessions(ctx context.Context, principalID string) ([]string, error) {
	ids, err := e.sessions.PrincipalSessionIDs(ctx, principalID)
	if err != nil {
		return nil, componentErr(err, session.ErrRedisUnavailable)
	}
	return ids, nil
}

// ActiveSessionCount returns the number of unexpired sessions across all
// principals.
func (e *Engine) ActiveSessionCount(ctx context.Context) (int, error) {
	n, err := e.sessions.ActiveCount(ctx)
	if err != nil {
		return 0, componentErr(err, session.ErrRedisUnavailable)
	}
	return n, nil
}
