package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"clinic/server/internal/rbac"
	"clinic/server/internal/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// resolveCaller re-reads the requesting user on every call: an account that
// was deactivated or re-roled since login loses access immediately.
func (d *Dispatcher) resolveCaller(ctx context.Context, userID ID) (rbac.Caller, error) {
	if userID <= 0 {
		return rbac.Caller{}, invalidPayload("user_id")
	}

	user, err := d.identity.FindUserByID(ctx, int64(userID))
	if isNotFound(err) {
		return rbac.Caller{}, errCallerNotFound
	}
	if err != nil {
		return rbac.Caller{}, fmt.Errorf("resolve caller: %w", err)
	}
	if !user.Active {
		return rbac.Caller{}, errCallerNotFound
	}

	roleRow, err := d.roles.FindRoleByID(ctx, user.RoleID)
	if isNotFound(err) {
		return rbac.Caller{}, errCallerNotFound
	}
	if err != nil {
		return rbac.Caller{}, fmt.Errorf("resolve caller role: %w", err)
	}
	role, ok := rbac.ParseRole(roleRow.Name)
	if !ok {
		d.log.Warn("user has unrecognized role", zap.Int64("user_id", user.ID), zap.String("role", roleRow.Name))
		return rbac.Caller{}, errAccessDenied
	}

	caller := rbac.Caller{UserID: user.ID, Role: role}
	switch role {
	case rbac.RoleDoctor:
		doctor, err := d.clinical.FindDoctorByEmail(ctx, user.Email)
		if err != nil && !isNotFound(err) {
			return rbac.Caller{}, fmt.Errorf("resolve caller doctor: %w", err)
		}
		if err == nil {
			caller.DoctorID = &doctor.ID
		}
	case rbac.RolePatient:
		patient, err := d.clinical.FindPatientByEmail(ctx, user.Email)
		if err != nil && !isNotFound(err) {
			return rbac.Caller{}, fmt.Errorf("resolve caller patient: %w", err)
		}
		if err == nil {
			caller.PatientID = &patient.ID
		}
	}
	return caller, nil
}

// assignedDoctor returns the id of the doctor patientID is assigned to, or
// nil when the patient is unassigned.
func (d *Dispatcher) assignedDoctor(ctx context.Context, patientID int64) (*int64, error) {
	doctor, err := d.clinical.GetDoctorOfPatient(ctx, patientID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve patient owner: %w", err)
	}
	return &doctor.ID, nil
}

func (d *Dispatcher) authorize(caller rbac.Caller, action rbac.Action, target rbac.Target) (rbac.Decision, error) {
	decision := rbac.Decide(caller, action, target)
	if !decision.Allow {
		d.log.Info("access denied",
			zap.Int64("user_id", caller.UserID),
			zap.String("role", string(caller.Role)),
			zap.String("action", string(action)),
			zap.String("kind", string(target.Kind)),
			zap.String("reason", decision.Reason),
		)
		return decision, errAccessDenied
	}
	return decision, nil
}

// requireClinical rejects callers that can never pass a clinical check before
// any entity lookup, so they learn nothing about which records exist.
func requireClinical(caller rbac.Caller) error {
	if caller.Role != rbac.RoleDoctor && caller.Role != rbac.RolePatient {
		return errAccessDenied
	}
	return nil
}
