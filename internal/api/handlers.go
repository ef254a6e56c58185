package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-clinic/internal/appointment"
	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/server"
	"github.com/npezzotti/go-clinic/internal/types"
	"github.com/samber/lo"
)

const healthCheckTimeout = 2 * time.Second

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email         string     `json:"email" validate:"required,email"`
	Username      string     `json:"username" validate:"required,max=64"`
	Password      string     `json:"password" validate:"required,min=8,max=72"`
	Role          types.Role `json:"role" validate:"required,oneof=patient doctor"`
	InstitutionId int        `json:"institution_id" validate:"required_if=Role doctor,gte=0"`
}

type BookRequest struct {
	DoctorId      int    `json:"doctor_id" validate:"required,gt=0"`
	InstitutionId int    `json:"institution_id" validate:"required,gt=0"`
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	Time          string `json:"time" validate:"required,datetime=15:04"`
}

type UpdateStatusRequest struct {
	Status types.AppointmentStatus `json:"status" validate:"required,oneof=scheduled available completed cancelled"`
}

func (s *GoClinicApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// decodeRequest reads a JSON body into v and runs its validation tags.
func (s *GoClinicApp) decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("validate request: %w", err)
	}

	return nil
}

func toUser(u database.User) types.User {
	return types.User{
		Id:            u.Id,
		Username:      u.Username,
		EmailAddress:  u.EmailAddress,
		Role:          u.Role,
		InstitutionId: u.InstitutionId,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func toAppointment(a database.Appointment) types.Appointment {
	return types.Appointment{
		Id:            a.Id,
		PatientId:     a.PatientId,
		DoctorId:      a.DoctorId,
		InstitutionId: a.InstitutionId,
		Date:          a.Date,
		Time:          a.Time,
		Status:        a.Status,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:            m.Id,
		AppointmentId: m.AppointmentId,
		AuthorId:      m.AuthorId,
		AuthorName:    m.AuthorName,
		Content:       m.Content,
		Timestamp:     m.CreatedAt,
	}
}

func appointmentId(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

func (s *GoClinicApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoClinicApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.log.Printf("create account: %v", err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Role == types.RoleDoctor {
		if _, err := s.db.GetInstitutionById(r.Context(), req.InstitutionId); err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewBadRequestError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	} else {
		req.InstitutionId = 0
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Username:      req.Username,
		EmailAddress:  req.Email,
		PasswordHash:  pwdHash,
		Role:          req.Role,
		InstitutionId: req.InstitutionId,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrDuplicateAccount) {
			errResp = NewConflictError("email address already registered")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *GoClinicApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := s.decodeRequest(r, &lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := toUser(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, u)
}

func (s *GoClinicApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *GoClinicApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one so the browser drops it
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoClinicApp) listAppointments(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	appts, err := s.appts.ListForParticipant(r.Context(), userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(appts, func(a database.Appointment, _ int) types.Appointment {
		return toAppointment(a)
	}))
}

func (s *GoClinicApp) bookAppointment(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req BookRequest
	if err := s.decodeRequest(r, &req); err != nil {
		s.log.Printf("book appointment: %v", err)
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if user.Role != types.RolePatient {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	appt, err := s.appts.Book(r.Context(), appointment.BookParams{
		PatientId:     userId,
		DoctorId:      req.DoctorId,
		InstitutionId: req.InstitutionId,
		Date:          req.Date,
		Time:          req.Time,
	}, s.now())
	if err != nil {
		s.log.Printf("book appointment: %v", err)
		errResp := errorFromAppointment(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, toAppointment(appt))
}

func (s *GoClinicApp) getAppointment(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, ok := appointmentId(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	appt, err := s.appts.Get(r.Context(), id, userId)
	if err != nil {
		errResp := errorFromAppointment(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toAppointment(appt))
}

func (s *GoClinicApp) updateAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, ok := appointmentId(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateStatusRequest
	if err := s.decodeRequest(r, &req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	appt, err := s.appts.UpdateStatus(r.Context(), id, userId, req.Status, s.now())
	if err != nil {
		s.log.Printf("appointment %d: update status to %s: %v", id, req.Status, err)
		errResp := errorFromAppointment(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toAppointment(appt))
}

func (s *GoClinicApp) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, ok := appointmentId(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	appt, err := s.appts.Cancel(r.Context(), id, userId)
	if err != nil {
		s.log.Printf("appointment %d: cancel: %v", id, err)
		errResp := errorFromAppointment(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toAppointment(appt))
}

func (s *GoClinicApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, ok := appointmentId(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.appts.Get(r.Context(), id, userId); err != nil {
		errResp := errorFromAppointment(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.db.GetMessages(r.Context(), id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(messages, func(m database.Message, _ int) types.Message {
		return toMessage(m)
	}))
}

func (s *GoClinicApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(r.Context(), id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client, err := server.NewClient(toUser(user), conn, s.relay, s.log)
	if err != nil {
		s.log.Println("create client:", err)
		conn.Close()
		return
	}

	s.relay.RegisterClient(client)
	go client.Write()
	go client.Read()
}
