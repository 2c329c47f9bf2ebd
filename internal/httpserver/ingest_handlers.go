package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"go.uber.org/zap"
)

// transparentGIF is a 1x1 transparent GIF.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// ---- Touchpoints ----

func (s *Server) handleTouchpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raws []json.RawMessage
	if !s.decodeJSON(w, r, &raws) {
		return
	}

	batch, err := s.ingest.IngestTouchpoints(r.Context(), r.URL.Query().Get("channel"), raws)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, batch)
}

// ---- Pixel ----

// handlePixel always answers with the GIF; the ingestion result is only logged.
func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hit, err := ingest.PixelHitFromQuery(r.URL.Query())
	if err != nil {
		s.logger.Debug("pixel hit rejected", zap.Error(err))
	} else {
		if hit.IP == "" {
			hit.IP = middleware.ClientIP(r)
		}
		res, err := s.ingest.IngestPixel(r.Context(), hit)
		switch {
		case err != nil:
			s.logger.Error("pixel hit not stored", zap.String("campaign_id", hit.CampaignID), zap.Error(err))
		case res.Error != nil:
			s.logger.Debug("pixel hit rejected",
				zap.String("campaign_id", hit.CampaignID),
				zap.String("field", res.Error.Field),
				zap.String("reason", res.Error.Message),
			)
		default:
			s.logger.Debug("pixel hit",
				zap.String("campaign_id", hit.CampaignID),
				zap.String("status", res.Status),
				zap.String("touchpoint_id", res.ID),
			)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(transparentGIF)
}

// ---- Conversions ----

func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raws []json.RawMessage
	if !s.decodeJSON(w, r, &raws) {
		return
	}

	batch, err := s.ingest.IngestConversions(r.Context(), raws)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, batch)
}

// ---- Metrics CSV ----

func (s *Server) handleMetricsCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	batch, err := s.ingest.IngestMetricsCSV(r.Context(), s.limitBody(w, r).Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, batch)
}
