package control

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBodySize limits POST /control bodies.
const maxBodySize = 64 << 10

// HTTPHandler serves POST /control with the same JSON commands as MQTT.
func HTTPHandler(d *Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var cmd Command
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
		if err := dec.Decode(&cmd); err != nil {
			writeResponse(w, http.StatusBadRequest, Response{
				CommandAck: "unknown",
				Status:     "error",
				Error:      "invalid JSON",
				Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			})
			return
		}

		resp := d.Handle(r.Context(), cmd)
		code := http.StatusOK
		if err := resp.Err(); err != nil {
			code = http.StatusInternalServerError
			if IsClientError(err) {
				code = http.StatusUnprocessableEntity
			}
		}
		writeResponse(w, code, resp)
	})
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("control: failed to write response", "error", err)
	}
}
