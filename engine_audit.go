package goState

import (
	"context"
	"errors"
)

const (
	auditEventRateLimitTriggered   = "rate_limit_triggered"
	auditEventStoreDegraded        = "store_degraded"
	auditEventLockoutTriggered     = "lockout_triggered"
	auditEventLockoutCleared       = "lockout_cleared"
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventLoginRateLimited     = "login_rate_limited"
	auditEventLoginBlocked         = "login_blocked"
	auditEventSessionCreated       = "session_created"
	auditEventSessionRemoved       = "session_removed"
	auditEventLogout               = "logout"
	auditEventLogoutAll            = "logout_all"
	auditEventConnectionRegistered = "connection_registered"
	auditEventConnectionRemoved    = "connection_removed"
	auditEventRoomJoined           = "room_joined"
	auditEventRoomLeft             = "room_left"
	auditEventCacheInvalidated     = "cache_invalidated"
)

// AuditErrorCode is the stable error label written to AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrBlocked            AuditErrorCode = "temporarily_blocked"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

type auditSubject struct {
	principalID  string
	sessionID    string
	connectionID string
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subject auditSubject,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:    e.now().UTC(),
		EventType:    eventType,
		PrincipalID:  subject.principalID,
		SessionID:    subject.sessionID,
		ConnectionID: subject.connectionID,
		IP:           ClientIPFromContext(ctx),
		Success:      success,
		Metadata:     metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrLoginRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrTemporarilyBlocked):
		return auditErrBlocked
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
