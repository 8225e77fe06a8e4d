package domain

// Message types sent from the server over a channel. The shapes are
// transport-agnostic JSON; the websocket layer only marshals them.
const (
	MsgSessionCreated  = "sessionCreated"
	MsgSessionJoined   = "sessionJoined"
	MsgSessionEnded    = "sessionEnded"
	MsgRefreshRequired = "refreshRequired"
	MsgRefreshComplete = "refreshComplete"
	MsgDurationWarning = "durationWarning"
	MsgLivenessAck     = "livenessAck"
	MsgError           = "error"
)

// Message types received from clients.
const (
	MsgCreateSession    = "createSession"
	MsgRefreshPublisher = "refreshPublisher"
	MsgLivenessPing     = "livenessPing"
)

// ServerMessage is the envelope for every server-to-client payload.
type ServerMessage struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId,omitempty"`
	SourceLanguage    string `json:"sourceLanguage,omitempty"`
	TargetLanguage    string `json:"targetLanguage,omitempty"`
	QualityTier       string `json:"qualityTier,omitempty"`
	Role              Role   `json:"role,omitempty"`
	RemainingSeconds  int64  `json:"remainingSeconds,omitempty"`
	Code              string `json:"code,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

// ClientMessage is the envelope for client-to-server payloads.
type ClientMessage struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	QualityTier    string `json:"qualityTier,omitempty"`
}

func SessionCreatedMessage(s *Session) ServerMessage {
	return ServerMessage{
		Type:           MsgSessionCreated,
		SessionID:      s.ID,
		SourceLanguage: s.SourceLanguage,
		QualityTier:    s.QualityTier,
	}
}

func SessionJoinedMessage(sessionID, targetLanguage string) ServerMessage {
	return ServerMessage{Type: MsgSessionJoined, SessionID: sessionID, TargetLanguage: targetLanguage}
}

func SessionEndedMessage(sessionID string) ServerMessage {
	return ServerMessage{Type: MsgSessionEnded, SessionID: sessionID}
}

func RefreshRequiredMessage(sessionID string, role Role, targetLanguage string) ServerMessage {
	return ServerMessage{Type: MsgRefreshRequired, SessionID: sessionID, Role: role, TargetLanguage: targetLanguage}
}

func RefreshCompleteMessage(sessionID string, role Role) ServerMessage {
	return ServerMessage{Type: MsgRefreshComplete, SessionID: sessionID, Role: role}
}

func DurationWarningMessage(remainingSeconds int64) ServerMessage {
	return ServerMessage{Type: MsgDurationWarning, RemainingSeconds: remainingSeconds}
}

func LivenessAckMessage() ServerMessage {
	return ServerMessage{Type: MsgLivenessAck}
}

func ErrorMessage(code, message string, retryAfterSeconds int64) ServerMessage {
	return ServerMessage{Type: MsgError, Code: code, Message: message, RetryAfterSeconds: retryAfterSeconds}
}
