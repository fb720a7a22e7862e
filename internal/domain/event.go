package domain

import "time"

// Event is emitted by a transport handle. The concrete types below are the
// only implementations.
type Event interface {
	event()
}

// PairingChallenge carries a fresh value the operator must present.
type PairingChallenge struct {
	Code string
}

// ConnectionState is the coarse connection status reported by a transport.
type ConnectionState string

const (
	ConnectionOpen   ConnectionState = "open"
	ConnectionClosed ConnectionState = "closed"
)

// StateChange reports the connection opening or closing. Reason is only set
// on close; LoggedOut marks an explicit credential revocation.
type StateChange struct {
	State     ConnectionState
	Reason    string
	LoggedOut bool
}

// CredentialsUpdate carries refreshed auth material to persist.
type CredentialsUpdate struct {
	Credentials Credentials
}

// InboundMessage is one message observed on the session, including messages
// sent from the account itself on another device.
type InboundMessage struct {
	SessionID string
	// ChatID is the conversation the message belongs to (the contact).
	ChatID   string
	SenderID string
	FromSelf bool
	// QuotedID is set when the message replies to an earlier message.
	QuotedID     string
	Body         string
	ExtendedText string
	Caption      string
	Media        *Media
	Timestamp    time.Time
}

func (PairingChallenge) event()  {}
func (StateChange) event()       {}
func (CredentialsUpdate) event() {}
func (InboundMessage) event()    {}

// IsReply reports whether the message quotes an earlier message.
func (m InboundMessage) IsReply() bool {
	return m.QuotedID != ""
}

// Contact returns the key used for human-handover pauses.
func (m InboundMessage) Contact() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.SenderID
}

// Text returns the first non-empty text variant.
func (m InboundMessage) Text() string {
	for _, s := range []string{m.Body, m.ExtendedText, m.Caption} {
		if s != "" {
			return s
		}
	}
	return ""
}

// MediaKind names the attachment category forwarded to the webhook.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media references an attachment that can be downloaded through the handle
// that observed it.
type Media struct {
	Kind     MediaKind
	MimeType string
	FileName string
	// Key is the transport's opaque download reference.
	Key string
}

// DefaultFileName returns the file name used when forwarding the attachment.
func (m *Media) DefaultFileName() string {
	if m.FileName != "" {
		return m.FileName
	}
	switch m.Kind {
	case MediaImage:
		return "image.jpg"
	case MediaVideo:
		return "video.mp4"
	case MediaAudio:
		return "audio.mp3"
	default:
		return "document"
	}
}
