package store

import "time"

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	RoleID       int64
	Active       bool
	CreatedAt    time.Time
}

type Role struct {
	ID   int64
	Name string
}

type Doctor struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Specialty string
	Phone     string
}

type Patient struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	BirthDate *time.Time
	Phone     string
	// DoctorID is nil while the patient has no assigned doctor.
	DoctorID *int64
}

// Signal is the metadata row of a recorded signal; the bytes live in signal
// storage under StorageKey.
type Signal struct {
	ID           int64
	PatientID    int64
	Filename     string
	StorageKey   string
	Compression  string
	SamplingRate float64
	RecordedAt   time.Time
	Comments     string
	SizeBytes    int64
	CreatedAt    time.Time
}
