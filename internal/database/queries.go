package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-clinic/internal/types"
)

const uniqueViolation = pq.ErrorCode("23505")

const appointmentColumns = "id, patient_id, doctor_id, institution_id, " +
	"to_char(appointment_date, 'YYYY-MM-DD'), to_char(appointment_time, 'HH24:MI'), " +
	"status, created_at, updated_at"

// rankOrder sorts available > scheduled > completed > cancelled, then by schedule.
const rankOrder = "ORDER BY CASE status " +
	"WHEN 'available' THEN 0 WHEN 'scheduled' THEN 1 WHEN 'completed' THEN 2 ELSE 3 END, " +
	"appointment_date ASC, appointment_time ASC, id ASC"

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row scanner) (Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.Id,
		&a.PatientId,
		&a.DoctorId,
		&a.InstitutionId,
		&a.Date,
		&a.Time,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func nullableInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func (db *PgGoClinicRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, role, institution_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, username, email, role, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.Role,
		nullableInt(params.InstitutionId),
		now,
		now,
	)

	u := User{InstitutionId: params.InstitutionId}
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return User{}, ErrDuplicateAccount
	}

	return u, err
}

func (db *PgGoClinicRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, role, institution_id, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var (
		user          User
		institutionId sql.NullInt64
	)
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Role,
		&institutionId,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	user.InstitutionId = int(institutionId.Int64)

	return user, err
}

func (db *PgGoClinicRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, role, institution_id, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var (
		user          User
		institutionId sql.NullInt64
	)
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.Role,
		&institutionId,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	user.InstitutionId = int(institutionId.Int64)

	return user, err
}

func (db *PgGoClinicRepository) CreateInstitution(ctx context.Context, params CreateInstitutionParams) (Institution, error) {
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO institutions (name, address, created_at) VALUES ($1, $2, $3) "+
			"RETURNING id, name, address, created_at",
		params.Name,
		params.Address,
		time.Now().UTC(),
	)

	var inst Institution
	err := res.Scan(&inst.Id, &inst.Name, &inst.Address, &inst.CreatedAt)

	return inst, err
}

func (db *PgGoClinicRepository) GetInstitutionById(ctx context.Context, id int) (Institution, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, address, created_at FROM institutions WHERE id = $1 LIMIT 1",
		id,
	)

	var inst Institution
	err := row.Scan(&inst.Id, &inst.Name, &inst.Address, &inst.CreatedAt)

	return inst, err
}

func (db *PgGoClinicRepository) CreateAppointment(ctx context.Context, params CreateAppointmentParams) (Appointment, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO appointments (patient_id, doctor_id, institution_id, appointment_date, appointment_time, status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4::date, $5::time, $6, $7, $8) RETURNING "+appointmentColumns,
		params.PatientId,
		params.DoctorId,
		params.InstitutionId,
		params.Date,
		params.Time,
		types.StatusScheduled,
		now,
		now,
	)

	return scanAppointment(row)
}

func (db *PgGoClinicRepository) GetAppointmentById(ctx context.Context, id int) (Appointment, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+appointmentColumns+" FROM appointments WHERE id = $1 LIMIT 1",
		id,
	)

	return scanAppointment(row)
}

func (db *PgGoClinicRepository) UpdateAppointmentStatus(ctx context.Context, id int, from, to types.AppointmentStatus) (Appointment, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE appointments SET status = $3, updated_at = $4 "+
			"WHERE id = $1 AND status = $2 RETURNING "+appointmentColumns,
		id,
		from,
		to,
		time.Now().UTC(),
	)

	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, fmt.Errorf("update appointment status: %w", err)
	}

	// nothing matched: either the row is gone or its status moved on
	if _, err := db.GetAppointmentById(ctx, id); err != nil {
		return Appointment{}, err
	}

	return Appointment{}, ErrStaleWrite
}

func (db *PgGoClinicRepository) queryAppointments(ctx context.Context, query string, args ...any) ([]Appointment, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appts := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		appts = append(appts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return appts, nil
}

func (db *PgGoClinicRepository) ListAppointmentsByParticipant(ctx context.Context, userId int) ([]Appointment, error) {
	return db.queryAppointments(ctx,
		"SELECT "+appointmentColumns+" FROM appointments "+
			"WHERE patient_id = $1 OR doctor_id = $1 "+rankOrder,
		userId,
	)
}

func (db *PgGoClinicRepository) ListReconcilableAppointments(ctx context.Context, onOrBefore string) ([]Appointment, error) {
	return db.queryAppointments(ctx,
		"SELECT "+appointmentColumns+" FROM appointments "+
			"WHERE status IN ('scheduled', 'available') AND appointment_date <= $1::date "+rankOrder,
		onOrBefore,
	)
}

func (db *PgGoClinicRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (appointment_id, author_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, appointment_id, author_id, content, created_at",
		params.AppointmentId,
		params.AuthorId,
		params.Content,
		params.CreatedAt,
	)

	var msg Message
	err := row.Scan(&msg.Id, &msg.AppointmentId, &msg.AuthorId, &msg.Content, &msg.CreatedAt)

	return msg, err
}

func (db *PgGoClinicRepository) GetMessages(ctx context.Context, appointmentId int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.appointment_id, m.author_id, a.username, m.content, m.created_at "+
			"FROM messages AS m JOIN accounts AS a ON a.id = m.author_id "+
			"WHERE m.appointment_id = $1 ORDER BY m.created_at ASC, m.id ASC",
		appointmentId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.AppointmentId, &msg.AuthorId, &msg.AuthorName, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
