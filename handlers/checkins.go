package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arkantrust/ikoot-checkin/backend/checkin"
	"github.com/arkantrust/ikoot-checkin/backend/models"
	"github.com/arkantrust/ikoot-checkin/backend/payload"
)

type checkinRequest struct {
	UserEmail string `json:"userEmail"`
}

type scanRequest struct {
	Payload   string `json:"payload"`
	UserEmail string `json:"userEmail"`
}

type eventView struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Location string `json:"location"`
}

type userView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Points int64  `json:"points"`
}

type checkinResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	PointsEarned int64     `json:"pointsEarned"`
	TotalPoints  int64     `json:"totalPoints"`
	Event        eventView `json:"event"`
	User         userView  `json:"user"`
}

type conflictResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	TotalPoints int64  `json:"totalPoints"`
	ErrorKind   string `json:"errorKind"`
}

type accountResponse struct {
	User     userView               `json:"user"`
	Checkins []models.CheckinRecord `json:"checkins"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &checkin.Error{Kind: checkin.ErrInvalidRequest.Kind, Message: "invalid JSON body", Err: err}
	}
	return nil
}

func pathEventID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &checkin.Error{Kind: checkin.ErrInvalidRequest.Kind, Message: "event id must be a positive integer", Err: err}
	}
	return id, nil
}

// checkIn handles POST /events/{id}/checkin.
//
// The (user, event) pair is the idempotency key:
//   - First call  → records the check-in and credits the award, 200 OK.
//   - Retry calls → nothing is written, 409 Conflict with the current balance.
func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathEventID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body checkinRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.svc.CheckIn(r.Context(), checkin.Request{EventID: eventID, Email: body.UserEmail})
	h.writeOutcome(w, r, out, err)
}

// scan handles POST /checkin/scan. The event comes from the scanned payload
// rather than the path; everything else matches checkIn.
func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := h.svc.Scan(r.Context(), body.Payload, body.UserEmail)
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out *checkin.Outcome, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if out.AlreadyCheckedIn {
		h.writeJSON(w, http.StatusConflict, conflictResponse{
			Message:     checkin.ErrAlreadyCheckedIn.Message,
			TotalPoints: out.TotalPoints,
			ErrorKind:   string(checkin.KindConflict),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, checkinResponse{
		Success:      true,
		Message:      fmt.Sprintf("Check-in successful! You earned %d points.", out.PointsEarned),
		PointsEarned: out.PointsEarned,
		TotalPoints:  out.TotalPoints,
		Event:        toEventView(&out.Event),
		User:         toUserView(&out.User),
	})
}

// listEvents handles GET /events.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// getEvent handles GET /events/{id}.
func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathEventID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.svc.Event(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, event)
}

// eventPayload handles GET /events/{id}/qr. It returns the text to encode in
// the event's scannable code; rendering the image is the client's job.
func (h *Handler) eventPayload(w http.ResponseWriter, r *http.Request) {
	id, err := pathEventID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.svc.Event(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"payload": payload.Encode(id)})
}

// getUser handles GET /users/{email}. Unknown emails are 404; nothing is
// created.
func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Account(r.Context(), r.PathValue("email"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	checkins := acct.Checkins
	if checkins == nil {
		checkins = []models.CheckinRecord{}
	}
	h.writeJSON(w, http.StatusOK, accountResponse{User: toUserView(&acct.User), Checkins: checkins})
}

func toEventView(e *models.Event) eventView {
	return eventView{ID: e.ID, Title: e.Title, Location: e.Location}
}

func toUserView(u *models.User) userView {
	return userView{ID: u.ID, Name: u.Name, Email: u.Email, Points: u.Points}
}
