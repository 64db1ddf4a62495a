package server

import (
	"encoding/json"
	"net/http"
)

// writeSSE writes one Server-Sent Events frame and flushes it so the browser
// sees the fragment immediately. Write errors are ignored: a vanished client
// surfaces as a cancelled request context on the next operation.
func writeSSE(w http.ResponseWriter, rc *http.ResponseController, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(payload) + "\n\n")); err != nil {
		return
	}
	_ = rc.Flush()
}
