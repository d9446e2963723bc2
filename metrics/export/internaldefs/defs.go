package internaldefs

import (
	goState "github.com/MrEthical07/goState"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   goState.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   goState.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: goState.MetricRateLimitAllowed, Name: "gostate_rate_limit_allowed_total", Help: "Rate-limit checks that admitted the request."},
	{ID: goState.MetricRateLimitDenied, Name: "gostate_rate_limit_denied_total", Help: "Rate-limit checks that denied the request."},
	{ID: goState.MetricRateLimitWindowReset, Name: "gostate_rate_limit_window_reset_total", Help: "Windows restarted after their anchor lapsed."},
	{ID: goState.MetricStoreFailOpen, Name: "gostate_store_fail_open_total", Help: "Admission checks allowed because the store was unreachable."},
	{ID: goState.MetricStoreFailClosed, Name: "gostate_store_fail_closed_total", Help: "Admission checks denied because the store was unreachable."},
	{ID: goState.MetricFailedAttempt, Name: "gostate_failed_attempt_total", Help: "Recorded failed authentication attempts."},
	{ID: goState.MetricLockoutTriggered, Name: "gostate_lockout_triggered_total", Help: "Failures that reached the lockout threshold."},
	{ID: goState.MetricLockoutCleared, Name: "gostate_lockout_cleared_total", Help: "Failed-attempt counters cleared."},
	{ID: goState.MetricLoginSuccess, Name: "gostate_login_success_total", Help: "Successful logins."},
	{ID: goState.MetricLoginFailure, Name: "gostate_login_failure_total", Help: "Logins rejected for bad credentials."},
	{ID: goState.MetricLoginRateLimited, Name: "gostate_login_rate_limited_total", Help: "Logins rejected by the login window."},
	{ID: goState.MetricLoginBlocked, Name: "gostate_login_blocked_total", Help: "Logins rejected by the failed-attempt lockout."},
	{ID: goState.MetricSessionCreated, Name: "gostate_session_created_total", Help: "Created sessions."},
	{ID: goState.MetricSessionRemoved, Name: "gostate_session_removed_total", Help: "Removed sessions."},
	{ID: goState.MetricSessionExtended, Name: "gostate_session_extended_total", Help: "Session reads that slid the expiry."},
	{ID: goState.MetricLogout, Name: "gostate_logout_total", Help: "Single-session logouts."},
	{ID: goState.MetricLogoutAll, Name: "gostate_logout_all_total", Help: "Remove-all-sessions operations."},
	{ID: goState.MetricConnectionRegistered, Name: "gostate_connection_registered_total", Help: "Registered realtime connections."},
	{ID: goState.MetricConnectionRemoved, Name: "gostate_connection_removed_total", Help: "Removed realtime connections."},
	{ID: goState.MetricRoomJoined, Name: "gostate_room_joined_total", Help: "New room memberships."},
	{ID: goState.MetricRoomLeft, Name: "gostate_room_left_total", Help: "Ended room memberships."},
	{ID: goState.MetricRoomEmptied, Name: "gostate_room_emptied_total", Help: "Rooms deleted after their last member left."},
	{ID: goState.MetricCacheInvalidation, Name: "gostate_cache_invalidation_total", Help: "Cache invalidation calls."},
	{ID: goState.MetricCacheKeysDeleted, Name: "gostate_cache_keys_deleted_total", Help: "Cache keys deleted by invalidation."},
}

var HistogramDefs = []HistogramDef{
	{ID: goState.MetricRateLimitLatency, Name: "gostate_rate_limit_latency_seconds", Help: "Rate-limit check latency histogram."},
}

var HistogramBounds = []string{
	"0.001",
	"0.002",
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_001",
	"0_002",
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"inf",
}

// NormalizeBuckets copies raw into a fixed eight-bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
