package ws

import (
	"encoding/json"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/session"
)

type MessageType string

const (
	MsgStatus MessageType = "status"
	MsgQR     MessageType = "qr"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusPayload struct {
	Status  string                 `json:"status"`
	Phase   session.Phase          `json:"phase"`
	Devices []session.DeviceRecord `json:"devices"`
}

type QRPayload struct {
	QR string `json:"qr"`
}

// encodeEvent renders a session event as a wire message.
func encodeEvent(ev session.Event) ([]byte, error) {
	var msg WSMessage
	switch ev.Type {
	case session.EventQR:
		msg = WSMessage{Type: MsgQR, Payload: QRPayload{QR: ev.QR}}
	default:
		devices := ev.Devices
		if devices == nil {
			devices = []session.DeviceRecord{}
		}
		msg = WSMessage{Type: MsgStatus, Payload: StatusPayload{
			Status:  ev.Status,
			Phase:   ev.Phase,
			Devices: devices,
		}}
	}
	return json.Marshal(msg)
}
