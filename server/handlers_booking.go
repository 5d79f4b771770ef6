package server

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/bookwright/bookwright/scheduling"
	"github.com/bookwright/bookwright/telemetry"
)

type bookingRequest struct {
	UID         string     `json:"uid,omitempty"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Status      string     `json:"status,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
}

type meetingView struct {
	UID         string    `json:"uid"`
	Organizer   int64     `json:"organizer_user_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      string    `json:"status"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
}

func viewOf(m *scheduling.Meeting) meetingView {
	return meetingView{
		UID:         m.UID,
		Organizer:   m.OrganizerUserID,
		StartTime:   m.StartTime,
		EndTime:     m.EndTime,
		Status:      m.Status,
		Title:       m.Title,
		Description: m.Description,
	}
}

// HandleBookingCreate books a meeting for the authenticated organizer through
// the conflict-checked transactional path.
func (h *Handlers) HandleBookingCreate(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	var req bookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if telemetry.BookingsAttempted != nil {
		telemetry.BookingsAttempted.Inc()
	}
	meeting, err := h.Engine.CreateMeetingWithConflictCheck(r.Context(), scheduling.MeetingAttrs{
		UID:             req.UID,
		OrganizerUserID: userID,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Status:          req.Status,
		Title:           req.Title,
		Description:     req.Description,
	})
	if err != nil {
		countBookingFailure(err)
		writeSchedulingError(w, err)
		return
	}
	if telemetry.BookingsCreated != nil {
		telemetry.BookingsCreated.Inc()
	}
	writeJSON(w, http.StatusCreated, viewOf(meeting))
}

// HandleBookingGet loads one meeting by uid. Only the organizer may read it.
func (h *Handlers) HandleBookingGet(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	meeting, err := h.Engine.GetMeeting(r.Context(), r.PathValue("uid"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "meeting not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not load meeting")
		return
	}
	if meeting.OrganizerUserID != userID {
		writeJSONError(w, http.StatusNotFound, "meeting not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(meeting))
}

// HandleBookingReschedule moves or edits a meeting through the same
// transactional conflict check; the meeting's own row never blocks itself.
func (h *Handlers) HandleBookingReschedule(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	meeting, err := h.Engine.GetMeeting(r.Context(), r.PathValue("uid"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "meeting not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not load meeting")
		return
	}
	if meeting.OrganizerUserID != userID {
		writeJSONError(w, http.StatusNotFound, "meeting not found")
		return
	}
	var req bookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if telemetry.BookingsAttempted != nil {
		telemetry.BookingsAttempted.Inc()
	}
	updated, err := h.Engine.UpdateMeetingWithConflictCheck(r.Context(), meeting, scheduling.MeetingAttrs{
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      req.Status,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		countBookingFailure(err)
		writeSchedulingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

// HandleAvailability is the advisory pre-check: it reports whether a window is
// currently free without taking locks. The transactional booking path remains
// the sole correctness guarantee.
func (h *Handlers) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	userID := h.requireUser(w, r)
	if userID == 0 {
		return
	}
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}
	if !end.After(start) {
		writeJSONError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	conflict, err := h.Engine.HasTimeConflict(r.Context(), userID, start, end, q.Get("exclude_uid"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "availability check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": !conflict})
}

func countBookingFailure(err error) {
	switch {
	case errors.Is(err, scheduling.ErrTimeConflict):
		if telemetry.BookingsConflicted != nil {
			telemetry.BookingsConflicted.Inc()
		}
	default:
		if telemetry.BookingsFailed != nil {
			telemetry.BookingsFailed.Inc()
		}
	}
}
