package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"clinic/server/internal/authpw"
	"clinic/server/internal/presence"
	"clinic/server/internal/signalstore"
	"clinic/server/internal/store"
)

// fakeDirectory is an in-memory identity, role and clinical repository.
type fakeDirectory struct {
	mu        sync.Mutex
	users     map[int64]store.User
	passwords map[int64]string
	roles     map[int64]store.Role
	doctors   map[int64]store.Doctor
	patients  map[int64]store.Patient
	signals   map[int64]store.Signal
	nextID    int64
	verifies  int

	// Hooks override individual calls when set.
	insertSignalFn func(store.Signal) (int64, error)
	findPatientFn  func(ctx context.Context, id int64) (store.Patient, error)
}

const (
	roleAdminID   int64 = 1
	roleDoctorID  int64 = 2
	rolePatientID int64 = 3

	userDoctor      int64 = 100
	userPatient     int64 = 101
	userOtherDoctor int64 = 102
	userOtherPat    int64 = 103
	userAdmin       int64 = 104
	userInactive    int64 = 105
	userOrphanPat   int64 = 106

	doctorA  int64 = 10
	doctorB  int64 = 11
	patientA int64 = 20
	patientB int64 = 21
	patientC int64 = 22

	signalA int64 = 30
	signalB int64 = 31

	testPassword = "correct-horse"
)

func newFakeDirectory() *fakeDirectory {
	f := &fakeDirectory{
		users:     map[int64]store.User{},
		passwords: map[int64]string{},
		roles: map[int64]store.Role{
			roleAdminID:   {ID: roleAdminID, Name: "Administrator"},
			roleDoctorID:  {ID: roleDoctorID, Name: "Doctor"},
			rolePatientID: {ID: rolePatientID, Name: "Patient"},
		},
		doctors:  map[int64]store.Doctor{},
		patients: map[int64]store.Patient{},
		signals:  map[int64]store.Signal{},
		nextID:   1000,
	}

	f.addUser(userDoctor, "house@clinic.test", roleDoctorID, true)
	f.addUser(userPatient, "pat@clinic.test", rolePatientID, true)
	f.addUser(userOtherDoctor, "wilson@clinic.test", roleDoctorID, true)
	f.addUser(userOtherPat, "other@clinic.test", rolePatientID, true)
	f.addUser(userAdmin, "admin@clinic.test", roleAdminID, true)
	f.addUser(userInactive, "gone@clinic.test", roleDoctorID, false)
	f.addUser(userOrphanPat, "orphan@clinic.test", rolePatientID, true)

	f.doctors[doctorA] = store.Doctor{ID: doctorA, Email: "house@clinic.test", FirstName: "Gregory", LastName: "House"}
	f.doctors[doctorB] = store.Doctor{ID: doctorB, Email: "wilson@clinic.test", FirstName: "James", LastName: "Wilson"}

	a, b := doctorA, doctorB
	f.patients[patientA] = store.Patient{ID: patientA, Email: "pat@clinic.test", FirstName: "Pat", LastName: "One", DoctorID: &a}
	f.patients[patientB] = store.Patient{ID: patientB, Email: "other@clinic.test", FirstName: "Other", LastName: "Two", DoctorID: &b}
	f.patients[patientC] = store.Patient{ID: patientC, Email: "orphan@clinic.test", FirstName: "Orphan", LastName: "Three"}

	recorded := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	f.signals[signalA] = store.Signal{ID: signalA, PatientID: patientA, Filename: "ecg.zip", StorageKey: "patients/20/a-ecg.zip", Compression: "zip", SamplingRate: 250, RecordedAt: recorded}
	f.signals[signalB] = store.Signal{ID: signalB, PatientID: patientB, Filename: "eeg.zip", StorageKey: "patients/21/b-eeg.zip", Compression: "zip", SamplingRate: 500, RecordedAt: recorded}
	return f
}

func (f *fakeDirectory) addUser(id int64, email string, roleID int64, active bool) {
	f.users[id] = store.User{ID: id, Email: email, RoleID: roleID, Active: active}
	f.passwords[id] = testPassword
}

func (f *fakeDirectory) setActive(id int64, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[id]
	user.Active = active
	f.users[id] = user
}

func (f *fakeDirectory) FindUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, fmt.Errorf("user: %w", store.ErrNotFound)
}

func (f *fakeDirectory) FindUserByID(_ context.Context, id int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return store.User{}, fmt.Errorf("user: %w", store.ErrNotFound)
}

func (f *fakeDirectory) VerifyCredentials(ctx context.Context, email, password string) (store.User, error) {
	f.mu.Lock()
	f.verifies++
	f.mu.Unlock()
	user, err := f.FindUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, authpw.ErrInvalidCredentials
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.passwords[user.ID] != password || !user.Active {
		return store.User{}, authpw.ErrInvalidCredentials
	}
	return user, nil
}

func (f *fakeDirectory) FindRoleByID(_ context.Context, id int64) (store.Role, error) {
	if role, ok := f.roles[id]; ok {
		return role, nil
	}
	return store.Role{}, fmt.Errorf("role: %w", store.ErrNotFound)
}

func (f *fakeDirectory) FindRoleByName(_ context.Context, name string) (store.Role, error) {
	for _, role := range f.roles {
		if strings.EqualFold(role.Name, strings.TrimSpace(name)) {
			return role, nil
		}
	}
	return store.Role{}, fmt.Errorf("role: %w", store.ErrNotFound)
}

func (f *fakeDirectory) GetDoctor(_ context.Context, id int64) (store.Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doctor, ok := f.doctors[id]; ok {
		return doctor, nil
	}
	return store.Doctor{}, fmt.Errorf("doctor: %w", store.ErrNotFound)
}

func (f *fakeDirectory) FindDoctorByEmail(_ context.Context, email string) (store.Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doctor := range f.doctors {
		if strings.EqualFold(doctor.Email, strings.TrimSpace(email)) {
			return doctor, nil
		}
	}
	return store.Doctor{}, fmt.Errorf("doctor: %w", store.ErrNotFound)
}

func (f *fakeDirectory) FindPatientByID(ctx context.Context, id int64) (store.Patient, error) {
	if f.findPatientFn != nil {
		return f.findPatientFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if patient, ok := f.patients[id]; ok {
		return patient, nil
	}
	return store.Patient{}, fmt.Errorf("patient: %w", store.ErrNotFound)
}

func (f *fakeDirectory) FindPatientByEmail(_ context.Context, email string) (store.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, patient := range f.patients {
		if strings.EqualFold(patient.Email, strings.TrimSpace(email)) {
			return patient, nil
		}
	}
	return store.Patient{}, fmt.Errorf("patient: %w", store.ErrNotFound)
}

func (f *fakeDirectory) GetPatientsOfDoctor(_ context.Context, doctorID int64) ([]store.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Patient{}
	for _, patient := range f.patients {
		if patient.DoctorID != nil && *patient.DoctorID == doctorID {
			out = append(out, patient)
		}
	}
	return out, nil
}

func (f *fakeDirectory) GetDoctorOfPatient(_ context.Context, patientID int64) (store.Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	patient, ok := f.patients[patientID]
	if !ok || patient.DoctorID == nil {
		return store.Doctor{}, fmt.Errorf("doctor of patient: %w", store.ErrNotFound)
	}
	doctor, ok := f.doctors[*patient.DoctorID]
	if !ok {
		return store.Doctor{}, fmt.Errorf("doctor of patient: %w", store.ErrNotFound)
	}
	return doctor, nil
}

func (f *fakeDirectory) InsertSignal(_ context.Context, signal store.Signal) (int64, error) {
	if f.insertSignalFn != nil {
		return f.insertSignalFn(signal)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	signal.ID = f.nextID
	f.signals[signal.ID] = signal
	return signal.ID, nil
}

func (f *fakeDirectory) FindSignalByID(_ context.Context, id int64) (store.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if signal, ok := f.signals[id]; ok {
		return signal, nil
	}
	return store.Signal{}, fmt.Errorf("signal: %w", store.ErrNotFound)
}

func (f *fakeDirectory) GetSignalsOfPatient(_ context.Context, patientID int64) ([]store.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Signal{}
	for _, signal := range f.signals {
		if signal.PatientID == patientID {
			out = append(out, signal)
		}
	}
	return out, nil
}

func (f *fakeDirectory) UpdateSignalComments(_ context.Context, id int64, comments string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	signal, ok := f.signals[id]
	if !ok {
		return fmt.Errorf("signal: %w", store.ErrNotFound)
	}
	signal.Comments = comments
	f.signals[id] = signal
	return nil
}

func (f *fakeDirectory) signal(id int64) store.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals[id]
}

func (f *fakeDirectory) verifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifies
}

func (f *fakeDirectory) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

// memorySignals is an in-memory signal store.
type memorySignals struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	putErr error
}

func newMemorySignals() *memorySignals {
	return &memorySignals{blobs: map[string][]byte{
		"patients/20/a-ecg.zip": []byte("ecg-bytes"),
	}}
}

func (m *memorySignals) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *memorySignals) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, signalstore.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memorySignals) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memorySignals) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// recordingPresence remembers presence calls.
type recordingPresence struct {
	mu         sync.Mutex
	tracked    map[string]presence.Entry
	identified map[string]int64
	untracked  []string
}

func newRecordingPresence() *recordingPresence {
	return &recordingPresence{tracked: map[string]presence.Entry{}, identified: map[string]int64{}}
}

func (p *recordingPresence) Track(_ context.Context, entry presence.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[entry.SessionID] = entry
	return nil
}

func (p *recordingPresence) Identify(_ context.Context, sessionID string, userID int64, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identified[sessionID] = userID
	return nil
}

func (p *recordingPresence) Untrack(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.untracked = append(p.untracked, sessionID)
	return nil
}

func (p *recordingPresence) snapshot() (tracked, identified, untracked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked), len(p.identified), len(p.untracked)
}

type testEnv struct {
	dir      *fakeDirectory
	signals  *memorySignals
	presence *recordingPresence
	opts     Options
}

func newTestEnv() *testEnv {
	return &testEnv{
		dir:      newFakeDirectory(),
		signals:  newMemorySignals(),
		presence: newRecordingPresence(),
		opts: Options{
			Addr:            "127.0.0.1:0",
			MaxLineBytes:    1 << 20,
			MaxSignalBytes:  64 << 10,
			RequestTimeout:  5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

func (e *testEnv) deps() Dependencies {
	return Dependencies{
		Identity: e.dir,
		Roles:    e.dir,
		Clinical: e.dir,
		Signals:  e.signals,
		Presence: e.presence,
	}
}

func (e *testEnv) dispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(e.deps(), e.opts, zaptest.NewLogger(t))
}

func (e *testEnv) server(t *testing.T) *Server {
	t.Helper()
	return New(e.opts, e.deps(), zaptest.NewLogger(t))
}
