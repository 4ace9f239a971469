package tracking

import (
	"net/http"

	"github.com/graphtect/sheetmail/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the open pixel. It always answers 200 with the GIF so a
// broken store never breaks image rendering in the recipient's client.
type Handler struct {
	rec *Recorder
}

func NewHandler(rec *Recorder) *Handler {
	return &Handler{rec: rec}
}

// HandlePixel is GET /px?email=&id=.
func (h *Handler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	sendID := r.URL.Query().Get("id")

	if email != "" {
		if err := h.rec.RecordOpen(r.Context(), email, sendID); err != nil {
			logger.Warn("[tracking] open not recorded", "email", email, "error", err.Error())
		} else {
			logger.Info("[tracking] open", "email", email, "send_id", sendID)
		}
	}
	servePixel(w)
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}
