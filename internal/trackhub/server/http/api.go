package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/fleettrack/internal/trackhub/core"
	"github.com/autopeer-io/fleettrack/internal/trackhub/core/model"
)

const (
	defaultCredentialTTL = 30 * 24 * time.Hour
	minCredentialTTL     = 10 * time.Minute
	maxCredentialTTL     = 365 * 24 * time.Hour

	defaultListLimit = 100
	maxListLimit     = 1000
)

type issueRequest struct {
	UnitID         string `json:"unitId"`
	DeviceID       string `json:"deviceId"`
	TTLSeconds     *int64 `json:"ttlSeconds,omitempty"`
	RevokeExisting bool   `json:"revokeExisting"`
}

type issueResponse struct {
	Secret       string     `json:"secret"`
	CredentialID int64      `json:"credentialId"`
	UnitID       string     `json:"unitId"`
	DeviceID     string     `json:"deviceId"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Message      string     `json:"message"`
}

type revokeRequest struct {
	Secret string `json:"secret"`
}

type revokeDeviceResponse struct {
	Count    int    `json:"count"`
	UnitID   string `json:"unitId"`
	DeviceID string `json:"deviceId"`
}

type sampleResponse struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unitId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Seq       *int64    `json:"seq,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) issueCredential(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UnitID == "" || req.DeviceID == "" {
		writeError(w, core.Validationf("unitId and deviceId are required"))
		return
	}

	ttl := defaultCredentialTTL
	if req.TTLSeconds != nil {
		// Bounds are checked in seconds; converting first could overflow.
		secs, lo, hi := *req.TTLSeconds, int64(minCredentialTTL/time.Second), int64(maxCredentialTTL/time.Second)
		if secs < lo || secs > hi {
			writeError(w, core.Validationf("ttlSeconds must be between %d and %d", lo, hi))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	issued, err := s.deps.Credentials.Issue(r.Context(), req.UnitID, req.DeviceID, ttl, req.RevokeExisting)
	if err != nil {
		s.logger.Error(err, "Failed to issue credential", "unitID", req.UnitID, "deviceID", req.DeviceID)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		Secret:       issued.Secret,
		CredentialID: issued.CredentialID,
		UnitID:       issued.UnitID,
		DeviceID:     issued.DeviceID,
		ExpiresAt:    issued.ExpiresAt,
		Message:      "Store this secret securely. It will not be shown again.",
	})
}

func (s *Server) revokeCredential(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Secret == "" {
		writeError(w, core.Validationf("secret is required"))
		return
	}

	n, err := s.deps.Credentials.Revoke(r.Context(), req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "credential not found or already revoked"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeDeviceCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	unitID, deviceID := vars["unitID"], vars["deviceID"]

	n, err := s.deps.Credentials.RevokeAllForDevice(r.Context(), unitID, deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeDeviceResponse{Count: n, UnitID: unitID, DeviceID: deviceID})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.deps.Store.Events().ListEvents(r.Context(), mux.Vars(r)["unitID"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	samples, err := s.deps.Store.Samples().ListSamples(r.Context(), mux.Vars(r)["unitID"], limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]sampleResponse, 0, len(samples))
	for _, smp := range samples {
		out = append(out, toSampleResponse(smp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["eventID"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, core.Validationf("event id must be a positive integer"))
		return
	}

	event, err := s.deps.Store.Events().GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) sessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Sessions())
}

func toSampleResponse(smp *model.Sample) sampleResponse {
	return sampleResponse{
		ID:        smp.ID,
		UnitID:    smp.UnitID,
		Timestamp: smp.Timestamp,
		Lat:       smp.Lat,
		Lon:       smp.Lon,
		Speed:     smp.Speed,
		Heading:   smp.Heading,
		Seq:       smp.Seq,
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, core.Validationf("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.Validationf("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP status codes. Unclassified errors are not echoed.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, core.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, core.ErrConflict):
		status, msg = http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrTransient):
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable, retry later"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
