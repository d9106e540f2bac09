package rbac

import "strings"

type Role string
type Action string
type Kind string

const (
	RoleAdministrator Role = "Administrator"
	RoleDoctor        Role = "Doctor"
	RolePatient       Role = "Patient"
)

const (
	ActionRead    Action = "read"
	ActionList    Action = "list"
	ActionComment Action = "comment"
	ActionUpload  Action = "upload"
)

const (
	KindPatient Kind = "patient"
	KindDoctor  Kind = "doctor"
	KindSignal  Kind = "signal"
)

// ParseRole maps a stored role name onto the closed set of roles. Names are
// compared case-insensitively; anything else is rejected rather than
// defaulted.
func ParseRole(name string) (Role, bool) {
	for _, role := range []Role{RoleAdministrator, RoleDoctor, RolePatient} {
		if strings.EqualFold(strings.TrimSpace(name), string(role)) {
			return role, true
		}
	}
	return "", false
}

// CanLogin reports whether role may sign in to the client application that
// audience names.
func CanLogin(role Role, audience string) bool {
	want, ok := ParseRole(audience)
	return ok && want == role
}

// Caller is a freshly resolved requester: its role and the clinical entity
// linked to its account, if any.
type Caller struct {
	UserID    int64
	Role      Role
	DoctorID  *int64
	PatientID *int64
}

// Target describes the resource an action touches. For patient and signal
// targets PatientID names the patient and OwnerDoctorID the doctor the patient
// is assigned to (nil when unassigned). For doctor targets DoctorID is the
// doctor itself and OwnerDoctorID, when the caller is a patient, the doctor
// that patient is assigned to.
type Target struct {
	Kind          Kind
	PatientID     int64
	OwnerDoctorID *int64
	DoctorID      int64
}

type Decision struct {
	Allow bool
	// OwnerID is the validated owning-entity id when Allow is true: the doctor
	// id for doctor-scoped access, the patient id for self access.
	OwnerID int64
	Reason  string
}

func allow(owner int64) Decision { return Decision{Allow: true, OwnerID: owner} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Decide evaluates one authorization fact. It performs no lookups; callers
// pass entities resolved for the current request.
func Decide(caller Caller, action Action, target Target) Decision {
	switch caller.Role {
	case RoleDoctor:
		return decideDoctor(caller, action, target)
	case RolePatient:
		return decidePatient(caller, action, target)
	case RoleAdministrator:
		return deny("administrators have no clinical access")
	default:
		return deny("unknown role")
	}
}

func decideDoctor(caller Caller, action Action, target Target) Decision {
	if caller.DoctorID == nil {
		return deny("caller has no doctor record")
	}
	self := *caller.DoctorID
	switch target.Kind {
	case KindDoctor:
		if action != ActionRead && action != ActionList {
			return deny("doctor records are read-only")
		}
		if target.DoctorID != self {
			return deny("not the same doctor")
		}
		return allow(self)
	case KindPatient, KindSignal:
		if target.Kind == KindPatient && action == ActionComment {
			return deny("comments apply to signals")
		}
		if target.OwnerDoctorID == nil || *target.OwnerDoctorID != self {
			return deny("patient not assigned to caller")
		}
		return allow(self)
	}
	return deny("unknown resource")
}

func decidePatient(caller Caller, action Action, target Target) Decision {
	if caller.PatientID == nil {
		return deny("caller has no patient record")
	}
	self := *caller.PatientID
	switch target.Kind {
	case KindDoctor:
		if action != ActionRead {
			return deny("doctor records are read-only")
		}
		// Reading the doctor the patient is assigned to.
		if target.OwnerDoctorID == nil || *target.OwnerDoctorID != target.DoctorID {
			return deny("not the assigned doctor")
		}
		return allow(self)
	case KindPatient, KindSignal:
		if action == ActionComment {
			return deny("only doctors comment on signals")
		}
		if target.PatientID != self {
			return deny("not the same patient")
		}
		return allow(self)
	}
	return deny("unknown resource")
}
