package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPostgresStoreClinicalLinkage(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := ApplyMigrations(ctx, db, ""); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	s := NewPostgresStore(db)

	role, err := s.FindRoleByName(ctx, "doctor")
	if err != nil {
		t.Fatalf("FindRoleByName() error = %v", err)
	}
	if role.Name != "Doctor" {
		t.Fatalf("FindRoleByName() = %+v", role)
	}

	userID, err := s.CreateUser(ctx, User{Email: "house@clinic.test", PasswordHash: "x", RoleID: role.ID, Active: true})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	user, err := s.FindUserByEmail(ctx, "HOUSE@clinic.test")
	if err != nil || user.ID != userID {
		t.Fatalf("FindUserByEmail() = %+v, %v", user, err)
	}

	var doctorID, patientID, orphanID int64
	if err := db.QueryRowContext(ctx, `INSERT INTO doctors (email, first_name, last_name) VALUES ('house@clinic.test', 'Greg', 'House') RETURNING id`).Scan(&doctorID); err != nil {
		t.Fatalf("insert doctor: %v", err)
	}
	if err := db.QueryRowContext(ctx, `INSERT INTO patients (email, first_name, last_name, doctor_id) VALUES ('pat@clinic.test', 'Pat', 'Doe', $1) RETURNING id`, doctorID).Scan(&patientID); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	if err := db.QueryRowContext(ctx, `INSERT INTO patients (email, first_name, last_name) VALUES ('orphan@clinic.test', 'Or', 'Phan') RETURNING id`).Scan(&orphanID); err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	doctor, err := s.GetDoctorOfPatient(ctx, patientID)
	if err != nil || doctor.ID != doctorID {
		t.Fatalf("GetDoctorOfPatient() = %+v, %v", doctor, err)
	}
	if _, err := s.GetDoctorOfPatient(ctx, orphanID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDoctorOfPatient(orphan) error = %v, want ErrNotFound", err)
	}

	patients, err := s.GetPatientsOfDoctor(ctx, doctorID)
	if err != nil || len(patients) != 1 || patients[0].ID != patientID {
		t.Fatalf("GetPatientsOfDoctor() = %+v, %v", patients, err)
	}

	signalID, err := s.InsertSignal(ctx, Signal{
		PatientID:    patientID,
		Filename:     "ecg.zip",
		StorageKey:   "patients/1/ecg.zip",
		Compression:  "zip",
		SamplingRate: 250,
		RecordedAt:   time.Now().UTC(),
		SizeBytes:    3,
	})
	if err != nil {
		t.Fatalf("InsertSignal() error = %v", err)
	}
	if err := s.UpdateSignalComments(ctx, signalID, "sinus rhythm"); err != nil {
		t.Fatalf("UpdateSignalComments() error = %v", err)
	}
	signal, err := s.FindSignalByID(ctx, signalID)
	if err != nil || signal.Comments != "sinus rhythm" {
		t.Fatalf("FindSignalByID() = %+v, %v", signal, err)
	}
	if err := s.UpdateSignalComments(ctx, signalID+100, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSignalComments(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.FindPatientByEmail(ctx, "nobody@clinic.test"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindPatientByEmail(missing) error = %v, want ErrNotFound", err)
	}
}
