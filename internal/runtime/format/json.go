package format

import (
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
)

// jsonFormat is the {"event","data"} envelope.
type jsonFormat struct{}

func (jsonFormat) Name() string { return JSON }

func (jsonFormat) Parse(raw []byte) Message {
	obj, err := jsoncodec.DecodeObject(raw)
	if err != nil {
		return emptyMessage()
	}
	msg := emptyMessage()
	msg.Event, _ = obj["event"].(string)
	if data, ok := obj["data"].(map[string]any); ok {
		msg.Data = data
	}
	return msg
}

func (jsonFormat) Compose(event string, data map[string]any, _ map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return jsoncodec.Marshal(map[string]any{"event": event, "data": data})
}

// identityFormat carries only the data document. Used where the event name
// already travels in the transport framing, as in Socket.IO packets.
type identityFormat struct{}

func (identityFormat) Name() string { return Identity }

func (identityFormat) Parse(raw []byte) Message {
	obj, err := jsoncodec.DecodeObject(raw)
	if err != nil {
		return emptyMessage()
	}
	return Message{Data: obj}
}

func (identityFormat) Compose(_ string, data map[string]any, _ map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return jsoncodec.Marshal(data)
}
