// Package mjpeg implements the multipart JPEG framing shared by the live
// stream endpoint and recording artifacts. Recordings are written in the same
// framing as the wire stream, so a stored file can be served back to a client
// unchanged.
package mjpeg

import (
	"fmt"
	"io"
)

// Boundary separates consecutive frames in a multipart stream.
const Boundary = "frame"

// ContentType is the MIME type for a live or replayed multipart stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// WritePart writes one JPEG frame as a multipart part: boundary line, part
// headers with the exact byte length, a blank line, the frame bytes, and a
// trailing CRLF.
func WritePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame)); err != nil {
		return fmt.Errorf("write part header: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return fmt.Errorf("write part trailer: %w", err)
	}
	return nil
}
