package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// Call is one decoded request bound to the session that sent it.
type Call struct {
	SessionID string
	Type      MessageType
	Data      json.RawMessage
}

type handlerFunc func(d *Dispatcher, ctx context.Context, call Call) (any, error)

var handlers = map[MessageType]handlerFunc{
	TypeLogin:              (*Dispatcher).login,
	TypePatientByEmail:     (*Dispatcher).patientByEmail,
	TypeDoctorByEmail:      (*Dispatcher).doctorByEmail,
	TypeDoctorByID:         (*Dispatcher).doctorByID,
	TypePatientsFromDoctor: (*Dispatcher).patientsFromDoctor,
	TypeSaveComments:       (*Dispatcher).saveComments,
	TypeUploadSignal:       (*Dispatcher).uploadSignal,
	TypeRequestSignal:      (*Dispatcher).requestSignal,
	TypePatientSignals:     (*Dispatcher).patientSignals,
}

// Dispatcher routes requests to handlers and turns their results into
// response envelopes. It holds no per-session state, so sessions share one.
type Dispatcher struct {
	identity Identity
	roles    Roles
	clinical Clinical
	signals  SignalStore
	log      *zap.Logger

	requestTimeout time.Duration
	maxSignalBytes int
}

func NewDispatcher(deps Dependencies, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		identity:       deps.Identity,
		roles:          deps.Roles,
		clinical:       deps.Clinical,
		signals:        deps.Signals,
		log:            log,
		requestTimeout: opts.RequestTimeout,
		maxSignalBytes: opts.MaxSignalBytes,
	}
}

// Handle runs one request. It always returns a response whose Type echoes
// the request type.
func (d *Dispatcher) Handle(ctx context.Context, call Call) (resp Response) {
	handler, ok := handlers[call.Type]
	if !ok {
		d.log.Info("unrecognized request type", zap.String("session_id", call.SessionID), zap.String("type", string(call.Type)))
		msg, _ := publicMessage(unrecognizedType(call.Type))
		return failure(call.Type, msg)
	}

	if d.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	log := d.log.With(zap.String("session_id", call.SessionID), zap.String("type", string(call.Type)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			resp = failure(call.Type, "internal error")
		}
	}()

	payload, err := handler(d, ctx, call)
	if err != nil {
		msg, expected := publicMessage(err)
		switch {
		case expected:
			log.Info("request rejected", zap.String("reason", msg), zap.Duration("duration", time.Since(start)))
		case errors.Is(err, context.DeadlineExceeded):
			msg = "request timed out"
			log.Warn("request timed out", zap.Error(err), zap.Duration("duration", time.Since(start)))
		default:
			log.Error("request failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		}
		return failure(call.Type, msg)
	}

	log.Debug("request handled", zap.Duration("duration", time.Since(start)))
	return success(call.Type, payload)
}

// decodeData unmarshals a request's data object into dst. Type mismatches
// name the offending field.
func decodeData(data json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return invalidPayload("data")
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return invalidPayload(typeErr.Field)
		}
		return invalidPayload("data")
	}
	return nil
}

// lookupErr maps a repository miss onto the peer-facing "<entity> not found"
// and wraps everything else.
func lookupErr(err error, entity string) error {
	if isNotFound(err) {
		return notFound(entity)
	}
	return fmt.Errorf("lookup %s: %w", entity, err)
}
