package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned (wrapped) by every lookup whose row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("read %s: %w", what, err)
}

// Identity

const userColumns = `id, email, password_hash, role_id, active, created_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.RoleID, &user.Active, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
	if err != nil {
		return User{}, notFound(err, "user")
	}
	return user, nil
}

func (s *PostgresStore) FindUserByID(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return User{}, notFound(err, "user")
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, role_id, active)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, strings.TrimSpace(user.Email), user.PasswordHash, user.RoleID, user.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SetUserActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return expectAffected(result, "user")
}

func (s *PostgresStore) FindRoleByID(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM roles WHERE id=$1`, id).Scan(&role.ID, &role.Name)
	if err != nil {
		return Role{}, notFound(err, "role")
	}
	return role, nil
}

func (s *PostgresStore) FindRoleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM roles WHERE LOWER(name)=LOWER($1)`, strings.TrimSpace(name)).Scan(&role.ID, &role.Name)
	if err != nil {
		return Role{}, notFound(err, "role")
	}
	return role, nil
}

// Clinical

const doctorColumns = `d.id, d.email, d.first_name, d.last_name, d.specialty, d.phone`

func scanDoctor(row rowScanner) (Doctor, error) {
	var doctor Doctor
	err := row.Scan(&doctor.ID, &doctor.Email, &doctor.FirstName, &doctor.LastName, &doctor.Specialty, &doctor.Phone)
	return doctor, err
}

const patientColumns = `p.id, p.email, p.first_name, p.last_name, p.birth_date, p.phone, p.doctor_id`

func scanPatient(row rowScanner) (Patient, error) {
	var (
		patient   Patient
		birthDate sql.NullTime
		doctorID  sql.NullInt64
	)
	if err := row.Scan(&patient.ID, &patient.Email, &patient.FirstName, &patient.LastName, &birthDate, &patient.Phone, &doctorID); err != nil {
		return Patient{}, err
	}
	if birthDate.Valid {
		value := birthDate.Time
		patient.BirthDate = &value
	}
	if doctorID.Valid {
		value := doctorID.Int64
		patient.DoctorID = &value
	}
	return patient, nil
}

func (s *PostgresStore) GetDoctor(ctx context.Context, id int64) (Doctor, error) {
	doctor, err := scanDoctor(s.db.QueryRowContext(ctx, `SELECT `+doctorColumns+` FROM doctors d WHERE d.id=$1`, id))
	if err != nil {
		return Doctor{}, notFound(err, "doctor")
	}
	return doctor, nil
}

func (s *PostgresStore) FindDoctorByEmail(ctx context.Context, email string) (Doctor, error) {
	doctor, err := scanDoctor(s.db.QueryRowContext(ctx,
		`SELECT `+doctorColumns+` FROM doctors d WHERE LOWER(d.email)=LOWER($1)`, strings.TrimSpace(email)))
	if err != nil {
		return Doctor{}, notFound(err, "doctor")
	}
	return doctor, nil
}

func (s *PostgresStore) FindPatientByID(ctx context.Context, id int64) (Patient, error) {
	patient, err := scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients p WHERE p.id=$1`, id))
	if err != nil {
		return Patient{}, notFound(err, "patient")
	}
	return patient, nil
}

func (s *PostgresStore) FindPatientByEmail(ctx context.Context, email string) (Patient, error) {
	patient, err := scanPatient(s.db.QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients p WHERE LOWER(p.email)=LOWER($1)`, strings.TrimSpace(email)))
	if err != nil {
		return Patient{}, notFound(err, "patient")
	}
	return patient, nil
}

func (s *PostgresStore) GetPatientsOfDoctor(ctx context.Context, doctorID int64) ([]Patient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+patientColumns+`
		FROM patients p
		WHERE p.doctor_id=$1
		ORDER BY p.last_name, p.first_name, p.id
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	patients := make([]Patient, 0)
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

// GetDoctorOfPatient follows the patient→doctor linkage. A missing patient
// and an unassigned patient both yield ErrNotFound.
func (s *PostgresStore) GetDoctorOfPatient(ctx context.Context, patientID int64) (Doctor, error) {
	doctor, err := scanDoctor(s.db.QueryRowContext(ctx, `
		SELECT `+doctorColumns+`
		FROM patients p
		JOIN doctors d ON d.id = p.doctor_id
		WHERE p.id=$1
	`, patientID))
	if err != nil {
		return Doctor{}, notFound(err, "doctor of patient")
	}
	return doctor, nil
}

const signalColumns = `id, patient_id, filename, storage_key, compression, sampling_rate, recorded_at, comments, size_bytes, created_at`

func scanSignal(row rowScanner) (Signal, error) {
	var signal Signal
	err := row.Scan(&signal.ID, &signal.PatientID, &signal.Filename, &signal.StorageKey, &signal.Compression,
		&signal.SamplingRate, &signal.RecordedAt, &signal.Comments, &signal.SizeBytes, &signal.CreatedAt)
	return signal, err
}

func (s *PostgresStore) InsertSignal(ctx context.Context, signal Signal) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO signals (patient_id, filename, storage_key, compression, sampling_rate, recorded_at, comments, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, signal.PatientID, signal.Filename, signal.StorageKey, signal.Compression, signal.SamplingRate,
		signal.RecordedAt, signal.Comments, signal.SizeBytes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FindSignalByID(ctx context.Context, id int64) (Signal, error) {
	signal, err := scanSignal(s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=$1`, id))
	if err != nil {
		return Signal{}, notFound(err, "signal")
	}
	return signal, nil
}

func (s *PostgresStore) GetSignalsOfPatient(ctx context.Context, patientID int64) ([]Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE patient_id=$1
		ORDER BY recorded_at DESC, id DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	signals := make([]Signal, 0)
	for rows.Next() {
		signal, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, signal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return signals, nil
}

func (s *PostgresStore) UpdateSignalComments(ctx context.Context, id int64, comments string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE signals SET comments=$2 WHERE id=$1`, id, comments)
	if err != nil {
		return fmt.Errorf("update signal comments: %w", err)
	}
	return expectAffected(result, "signal")
}

func expectAffected(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
