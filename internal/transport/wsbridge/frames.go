package wsbridge

import (
	"time"

	"github.com/ashureev/sessionrelay/internal/domain"
	"github.com/ashureev/sessionrelay/internal/transport"
)

// Frame types sent by the relay.
const (
	frameHello    = "hello"
	frameSend     = "send"
	framePresence = "presence"
	frameDownload = "download"
	frameLookup   = "lookup"
)

// Frame types sent by the gateway.
const (
	framePairing = "pairing"
	frameState   = "state"
	frameCreds   = "creds"
	frameMessage = "message"
	frameResult  = "result"
)

// Gateway error codes that mean the underlying connection is gone.
const (
	errCodeNotConnected = "not_connected"
	errCodeConnClosed   = "connection_closed"
)

// frame is the single JSON envelope exchanged with the gateway. Byte slices
// travel base64 encoded.
type frame struct {
	Type        string                   `json:"type"`
	ID          string                   `json:"id,omitempty"`
	Session     string                   `json:"session,omitempty"`
	Credentials []byte                   `json:"credentials,omitempty"`
	Code        string                   `json:"code,omitempty"`
	State       string                   `json:"state,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	LoggedOut   bool                     `json:"logged_out,omitempty"`
	To          string                   `json:"to,omitempty"`
	Text        string                   `json:"text,omitempty"`
	Attachment  *attachmentFrame         `json:"attachment,omitempty"`
	Media       *mediaFrame              `json:"media,omitempty"`
	Message     *messageFrame            `json:"message,omitempty"`
	Numbers     []string                 `json:"numbers,omitempty"`
	Results     []transport.LookupResult `json:"results,omitempty"`
	Data        []byte                   `json:"data,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

type attachmentFrame struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

type mediaFrame struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Key      string `json:"key"`
}

type messageFrame struct {
	Chat         string      `json:"chat"`
	Sender       string      `json:"sender"`
	FromMe       bool        `json:"from_me"`
	QuotedID     string      `json:"quoted_id,omitempty"`
	Body         string      `json:"body,omitempty"`
	ExtendedText string      `json:"extended_text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	Media        *mediaFrame `json:"media,omitempty"`
	Timestamp    int64       `json:"timestamp,omitempty"`
}

func (m *mediaFrame) toDomain() *domain.Media {
	if m == nil {
		return nil
	}
	return &domain.Media{
		Kind:     domain.MediaKind(m.Kind),
		MimeType: m.MimeType,
		FileName: m.FileName,
		Key:      m.Key,
	}
}

func mediaFromDomain(m *domain.Media) *mediaFrame {
	return &mediaFrame{
		Kind:     string(m.Kind),
		MimeType: m.MimeType,
		FileName: m.FileName,
		Key:      m.Key,
	}
}

func (m *messageFrame) toDomain(sessionID string) domain.InboundMessage {
	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0)
	}
	return domain.InboundMessage{
		SessionID:    sessionID,
		ChatID:       m.Chat,
		SenderID:     m.Sender,
		FromSelf:     m.FromMe,
		QuotedID:     m.QuotedID,
		Body:         m.Body,
		ExtendedText: m.ExtendedText,
		Caption:      m.Caption,
		Media:        m.Media.toDomain(),
		Timestamp:    ts,
	}
}
