package wa

import (
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// qrEvents maps one QR channel item to events. Success is reported by the
// PairSuccess event instead, so it maps to nothing here.
func qrEvents(item whatsmeow.QRChannelItem) []Event {
	switch item.Event {
	case "code":
		return []Event{{Kind: EventPairingCode, Code: item.Code}}
	case "success":
		return nil
	case "timeout":
		return []Event{{Kind: EventAuthFailure, Reason: "pairing code timed out"}}
	default:
		reason := item.Event
		if item.Error != nil {
			reason = item.Error.Error()
		}
		return []Event{{Kind: EventAuthFailure, Reason: "pairing failed: " + reason}}
	}
}

// pumpQR forwards pairing codes until the channel closes.
func (a *Adapter) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event == "code" {
			a.logger.Info("pairing code issued")
		} else {
			a.logger.Info("pairing channel event", zap.String("event", item.Event))
		}
		for _, evt := range qrEvents(item) {
			a.emit(evt)
		}
	}
}
