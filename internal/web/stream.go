package web

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// streamMJPEG writes first and then every frame from frameCh as a
// multipart stream. The last frame is repeated after keepAlive of silence.
func streamMJPEG(ctx context.Context, w http.ResponseWriter, first []byte, frameCh <-chan []byte, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	last := first
	if err := writePart(w, last); err != nil {
		log.Debug("MJPEG client disconnected during write: %v", err)
		return
	}
	flusher.Flush()

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			last = data
		case <-timer.C:
			// No frame for a while, resend to keep the connection alive
		}

		if err := writePart(w, last); err != nil {
			log.Debug("MJPEG client disconnected during write: %v", err)
			return
		}
		flusher.Flush()
		timer.Reset(keepAlive)
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamEvents writes pre-serialized events as SSE, choosing the protobuf
// or JSON encoding once per client.
func streamEvents(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, useProtobuf bool, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				log.Debug("SSE client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-timer.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				log.Debug("SSE client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
		timer.Reset(keepAlive)
	}
}
