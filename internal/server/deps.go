package server

import (
	"context"

	"clinic/server/internal/presence"
	"clinic/server/internal/store"
)

// Identity resolves accounts and checks credentials.
type Identity interface {
	FindUserByEmail(ctx context.Context, email string) (store.User, error)
	FindUserByID(ctx context.Context, id int64) (store.User, error)
	VerifyCredentials(ctx context.Context, email, password string) (store.User, error)
}

type Roles interface {
	FindRoleByID(ctx context.Context, id int64) (store.Role, error)
	FindRoleByName(ctx context.Context, name string) (store.Role, error)
}

// Clinical is the doctor, patient and signal repository. Lookups wrap
// store.ErrNotFound when the row does not exist.
type Clinical interface {
	GetDoctor(ctx context.Context, id int64) (store.Doctor, error)
	FindDoctorByEmail(ctx context.Context, email string) (store.Doctor, error)
	FindPatientByID(ctx context.Context, id int64) (store.Patient, error)
	FindPatientByEmail(ctx context.Context, email string) (store.Patient, error)
	GetPatientsOfDoctor(ctx context.Context, doctorID int64) ([]store.Patient, error)
	GetDoctorOfPatient(ctx context.Context, patientID int64) (store.Doctor, error)
	InsertSignal(ctx context.Context, signal store.Signal) (int64, error)
	FindSignalByID(ctx context.Context, id int64) (store.Signal, error)
	GetSignalsOfPatient(ctx context.Context, patientID int64) ([]store.Signal, error)
	UpdateSignalComments(ctx context.Context, id int64, comments string) error
}

// Presence mirrors live sessions somewhere outside the process. It is
// optional and best effort: failures are logged, never surfaced to peers.
type Presence interface {
	Track(ctx context.Context, entry presence.Entry) error
	Identify(ctx context.Context, sessionID string, userID int64, role string) error
	Untrack(ctx context.Context, sessionID string) error
}

// Dependencies are the collaborators a server dispatches into. Presence may
// be nil.
type Dependencies struct {
	Identity Identity
	Roles    Roles
	Clinical Clinical
	Signals  SignalStore
	Presence Presence
}

// SignalStore holds uploaded signal artifacts; signalstore.Store satisfies it.
type SignalStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
