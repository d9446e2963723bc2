package goState

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goState/internal"
	"github.com/MrEthical07/goState/session"
)

// Login authenticates identifier and opens a session.
//
// The login window is keyed by the client IP from ctx, or by identifier
// when no IP is attached. A locked-out identifier is rejected before its
// credentials are checked. Failed credentials count toward the lockout;
// a success clears it.
func (e *Engine) Login(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	if e.userProvider == nil {
		return nil, ErrEngineNotReady
	}

	limitKey := ClientIPFromContext(ctx)
	if limitKey == "" {
		limitKey = identifier
	}
	res, err := e.CheckRateLimit(ctx, limitKey, e.windows.Login)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, auditSubject{}, ErrLoginRateLimited, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return nil, &RateLimitError{Result: res}
	}

	blocked, err := e.IsTemporarilyBlocked(ctx, identifier, 0)
	if err != nil {
		return nil, err
	}
	if blocked {
		e.metricInc(MetricLoginBlocked)
		e.emitAudit(ctx, auditEventLoginBlocked, false, auditSubject{}, ErrTemporarilyBlocked, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return nil, ErrTemporarilyBlocked
	}

	principal, err := e.userProvider.VerifyCredentials(ctx, identifier, secret)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, err
		}
		if _, ferr := e.IncrementFailedAttempts(ctx, identifier, 0); ferr != nil {
			e.log.WithField("identifier", identifier).WithError(ferr).Warn("goState: failed attempt not recorded")
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, auditSubject{}, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": identifier}
		})
		return nil, ErrInvalidCredentials
	}

	if err := e.ClearFailedAttempts(ctx, identifier); err != nil {
		e.log.WithField("identifier", identifier).WithError(err).Warn("goState: failed attempts not cleared")
	}

	sessionID, err := e.CreateSession(ctx, principal, &SessionMetadata{
		IP:        ClientIPFromContext(ctx),
		UserAgent: UserAgentFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		SessionID: sessionID,
		Principal: principal,
	}
	if e.tokens != nil {
		token, err := e.tokens.CreateSessionToken(principal.ID, sessionID, principal.Nickname, principal.Role)
		if err != nil {
			// Roll back so a failed login leaves no session behind.
			if derr := e.RemoveSession(ctx, sessionID); derr != nil {
				e.log.WithField("session_id", sessionID).WithError(derr).Warn("goState: orphan session not removed")
			}
			return nil, err
		}
		result.Token = token
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, auditSubject{
		principalID: principal.ID,
		sessionID:   sessionID,
	}, nil, nil)

	return result, nil
}

// Logout removes the session and drops the principal's cached auth
// lookups. Logging out an unknown session is not an error.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	sess, err := e.PeekSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.RemoveSession(ctx, sessionID); err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, auditSubject{
		principalID: sess.PrincipalID,
		sessionID:   sessionID,
	}, nil, nil)
	if _, err := e.InvalidateAuthCache(ctx, sess.PrincipalID); err != nil {
		e.log.WithField("principal_id", sess.PrincipalID).WithError(err).Warn("goState: auth cache not invalidated on logout")
	}
	return nil
}

// LogoutAll removes every session of principalID and drops its cached auth
// lookups.
func (e *Engine) LogoutAll(ctx context.Context, principalID string) (int, error) {
	n, err := e.RemoveAllSessions(ctx, principalID)
	if err != nil {
		return 0, err
	}
	if _, err := e.InvalidateAuthCache(ctx, principalID); err != nil {
		e.log.WithField("principal_id", principalID).WithError(err).Warn("goState: auth cache not invalidated on logout")
	}
	return n, nil
}

// IssueToken signs a handle for an existing session.
func (e *Engine) IssueToken(ctx context.Context, sessionID string) (string, error) {
	if e.tokens == nil {
		return "", ErrTokensDisabled
	}
	sess, err := e.PeekSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrSessionNotFound
	}
	return e.tokens.CreateSessionToken(sess.PrincipalID, sess.SessionID, sess.Nickname, sess.Role)
}

// ValidateToken resolves a session handle to its live session, extending
// it. With tokens disabled the handle is the raw session id.
func (e *Engine) ValidateToken(ctx context.Context, token string) (*session.Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	sessionID := token
	principalID := ""
	if e.tokens != nil {
		claims, err := e.tokens.ParseSessionToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		sessionID = claims.SID
		principalID = claims.Subject
	}
	if _, err := internal.ParseSessionID(sessionID); err != nil {
		return nil, ErrUnauthorized
	}

	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if principalID != "" && sess.PrincipalID != principalID {
		return nil, ErrUnauthorized
	}
	return sess, nil
}
