package authsession

import "encoding/json"

func encodeSSE(ev SSEEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeSSE(b []byte) (SSEEvent, error) {
	var ev SSEEvent
	err := json.Unmarshal(b, &ev)
	return ev, err
}
