package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic/server/internal/authpw"
	"clinic/server/internal/rbac"
	"clinic/server/internal/store"
)

type userView struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type roleView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type loginPayload struct {
	User      userView `json:"user"`
	Role      roleView `json:"role"`
	DoctorID  *int64   `json:"doctor_id,omitempty"`
	PatientID *int64   `json:"patient_id,omitempty"`
}

type doctorView struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Specialty string `json:"specialty,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type patientView struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	BirthDate string `json:"birth_date,omitempty"`
	Phone     string `json:"phone,omitempty"`
	DoctorID  *int64 `json:"doctor_id,omitempty"`
}

func newDoctorView(d store.Doctor) doctorView {
	return doctorView{ID: d.ID, Email: d.Email, FirstName: d.FirstName, LastName: d.LastName, Specialty: d.Specialty, Phone: d.Phone}
}

func newPatientView(p store.Patient) patientView {
	view := patientView{ID: p.ID, Email: p.Email, FirstName: p.FirstName, LastName: p.LastName, Phone: p.Phone, DoctorID: p.DoctorID}
	if p.BirthDate != nil {
		view.BirthDate = p.BirthDate.Format(time.DateOnly)
	}
	return view
}

func (d *Dispatcher) login(ctx context.Context, call Call) (any, error) {
	var req struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		AccessPermits string `json:"access_permits"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	switch {
	case strings.TrimSpace(req.Email) == "":
		return nil, invalidPayload("email")
	case req.Password == "":
		return nil, invalidPayload("password")
	case strings.TrimSpace(req.AccessPermits) == "":
		return nil, invalidPayload("access_permits")
	}

	// Unknown emails go through the same hash comparison as wrong passwords.
	user, err := d.identity.VerifyCredentials(ctx, req.Email, req.Password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	roleRow, err := d.roles.FindRoleByID(ctx, user.RoleID)
	if isNotFound(err) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup role: %w", err)
	}
	audience, err := d.roles.FindRoleByName(ctx, req.AccessPermits)
	if isNotFound(err) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup audience: %w", err)
	}
	role, ok := rbac.ParseRole(roleRow.Name)
	if !ok || audience.ID != roleRow.ID || !rbac.CanLogin(role, audience.Name) {
		return nil, errUnauthorized
	}

	payload := loginPayload{
		User: userView{ID: user.ID, Email: user.Email},
		Role: roleView{ID: roleRow.ID, Name: roleRow.Name},
	}
	switch role {
	case rbac.RoleDoctor:
		doctor, err := d.clinical.FindDoctorByEmail(ctx, user.Email)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("lookup linked doctor: %w", err)
		}
		if err == nil {
			payload.DoctorID = &doctor.ID
		}
	case rbac.RolePatient:
		patient, err := d.clinical.FindPatientByEmail(ctx, user.Email)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("lookup linked patient: %w", err)
		}
		if err == nil {
			payload.PatientID = &patient.ID
		}
	}
	return payload, nil
}

func (d *Dispatcher) patientByEmail(ctx context.Context, call Call) (any, error) {
	var req struct {
		Email  string `json:"email"`
		UserID ID     `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, invalidPayload("email")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := requireClinical(caller); err != nil {
		return nil, err
	}

	patient, err := d.clinical.FindPatientByEmail(ctx, req.Email)
	if err != nil {
		return nil, lookupErr(err, "patient")
	}
	target := rbac.Target{Kind: rbac.KindPatient, PatientID: patient.ID, OwnerDoctorID: patient.DoctorID}
	if _, err := d.authorize(caller, rbac.ActionRead, target); err != nil {
		return nil, err
	}
	return map[string]any{"patient": newPatientView(patient)}, nil
}

func (d *Dispatcher) doctorByEmail(ctx context.Context, call Call) (any, error) {
	var req struct {
		Email  string `json:"email"`
		UserID ID     `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, invalidPayload("email")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := requireClinical(caller); err != nil {
		return nil, err
	}

	doctor, err := d.clinical.FindDoctorByEmail(ctx, req.Email)
	if err != nil {
		return nil, lookupErr(err, "doctor")
	}
	return d.readDoctor(ctx, caller, doctor)
}

func (d *Dispatcher) doctorByID(ctx context.Context, call Call) (any, error) {
	var req struct {
		DoctorID ID `json:"doctor_id"`
		UserID   ID `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	if req.DoctorID <= 0 {
		return nil, invalidPayload("doctor_id")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := requireClinical(caller); err != nil {
		return nil, err
	}

	doctor, err := d.clinical.GetDoctor(ctx, int64(req.DoctorID))
	if err != nil {
		return nil, lookupErr(err, "doctor")
	}
	return d.readDoctor(ctx, caller, doctor)
}

func (d *Dispatcher) readDoctor(ctx context.Context, caller rbac.Caller, doctor store.Doctor) (any, error) {
	target := rbac.Target{Kind: rbac.KindDoctor, DoctorID: doctor.ID}
	if caller.Role == rbac.RolePatient && caller.PatientID != nil {
		owner, err := d.assignedDoctor(ctx, *caller.PatientID)
		if err != nil {
			return nil, err
		}
		target.OwnerDoctorID = owner
	}
	if _, err := d.authorize(caller, rbac.ActionRead, target); err != nil {
		return nil, err
	}
	return map[string]any{"doctor": newDoctorView(doctor)}, nil
}

func (d *Dispatcher) patientsFromDoctor(ctx context.Context, call Call) (any, error) {
	var req struct {
		DoctorID ID `json:"doctor_id"`
		UserID   ID `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	if req.DoctorID <= 0 {
		return nil, invalidPayload("doctor_id")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	decision, err := d.authorize(caller, rbac.ActionList, rbac.Target{Kind: rbac.KindDoctor, DoctorID: int64(req.DoctorID)})
	if err != nil {
		return nil, err
	}
	patients, err := d.clinical.GetPatientsOfDoctor(ctx, decision.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("list patients of doctor: %w", err)
	}
	views := make([]patientView, 0, len(patients))
	for _, patient := range patients {
		views = append(views, newPatientView(patient))
	}
	return map[string]any{"doctor_id": decision.OwnerID, "patients": views}, nil
}
