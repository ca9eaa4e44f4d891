package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorID         string `json:"actor_id"`
	ClientName      string `json:"client_name,omitempty"`
	// Snapshot asks the server to include active locks in WELCOME.
	Snapshot bool `json:"snapshot,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	LockExpiryMs    int64     `json:"lock_expiry_ms"`
	Locks           []LockRef `json:"locks,omitempty"`
}

type LockRef struct {
	Pos      [3]int `json:"pos"`
	OriginTS int64  `json:"origin_ts"`
	// AgeMs is how long ago the relay received the lock.
	AgeMs    int64  `json:"age_ms,omitempty"`
}

// LOCK / UNLOCK (both directions). Clients announce positions they hold;
// the server relays applied messages to every other session.
type LockMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Pos             [3]int `json:"pos"`
	// OriginTS is the sender's clock in milliseconds. Ordering between
	// messages for one position uses only this value.
	OriginTS int64  `json:"origin_ts"`
	ActorID  string `json:"actor_id,omitempty"`
	MsgID    string `json:"msg_id,omitempty"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewLock(pos [3]int, originTS int64, actorID string) LockMsg {
	return LockMsg{Type: TypeLock, ProtocolVersion: Version, Pos: pos, OriginTS: originTS, ActorID: actorID}
}

func NewUnlock(pos [3]int, originTS int64, actorID string) LockMsg {
	return LockMsg{Type: TypeUnlock, ProtocolVersion: Version, Pos: pos, OriginTS: originTS, ActorID: actorID}
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
