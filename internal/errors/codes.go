package errors

// Code identifies a relay error class on the wire and in logs.
type Code string

const (
	CodeAuthFailed           Code = "AUTH_FAILED"
	CodeMissingSessionParams Code = "MISSING_SESSION_PARAMS"
	CodeNoActiveOrganization Code = "NO_ACTIVE_ORGANIZATION"
	CodeNoSubscription       Code = "NO_SUBSCRIPTION"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeUpstreamConnect      Code = "UPSTREAM_CONNECT_FAILED"
	CodeUpstreamStream       Code = "UPSTREAM_STREAM_ERROR"
	CodeRecordingNotStarted  Code = "RECORDING_NOT_STARTED"
	CodePersistenceTransient Code = "PERSISTENCE_TRANSIENT"
	CodePersistencePermanent Code = "PERSISTENCE_PERMANENT"
)
