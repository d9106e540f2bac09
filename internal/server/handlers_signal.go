package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"clinic/server/internal/rbac"
	"clinic/server/internal/signalstore"
	"clinic/server/internal/store"
)

const (
	maxCommentLength   = 4000
	defaultCompression = "zip"
)

type signalSummary struct {
	SignalID     int64   `json:"signal_id"`
	Filename     string  `json:"filename"`
	SamplingRate float64 `json:"sampling_rate"`
	Timestamp    string  `json:"timestamp"`
	Comments     string  `json:"comments"`
	Compression  string  `json:"compression,omitempty"`
	SizeBytes    int64   `json:"size_bytes"`
}

func newSignalSummary(s store.Signal) signalSummary {
	return signalSummary{
		SignalID:     s.ID,
		Filename:     s.Filename,
		SamplingRate: s.SamplingRate,
		Timestamp:    s.RecordedAt.UTC().Format(time.RFC3339),
		Comments:     s.Comments,
		Compression:  s.Compression,
		SizeBytes:    s.SizeBytes,
	}
}

// signalTarget builds the authorization target for a patient's signals,
// resolving the owning doctor for this request.
func (d *Dispatcher) signalTarget(ctx context.Context, patientID int64) (rbac.Target, error) {
	owner, err := d.assignedDoctor(ctx, patientID)
	if err != nil {
		return rbac.Target{}, err
	}
	return rbac.Target{Kind: rbac.KindSignal, PatientID: patientID, OwnerDoctorID: owner}, nil
}

func (d *Dispatcher) saveComments(ctx context.Context, call Call) (any, error) {
	var req struct {
		Comments  *string `json:"comments"`
		SignalID  ID      `json:"signal_id"`
		PatientID ID      `json:"patient_id"`
		UserID    ID      `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	switch {
	case req.Comments == nil || len(*req.Comments) > maxCommentLength:
		return nil, invalidPayload("comments")
	case req.SignalID <= 0:
		return nil, invalidPayload("signal_id")
	case req.PatientID <= 0:
		return nil, invalidPayload("patient_id")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := requireClinical(caller); err != nil {
		return nil, err
	}

	if _, err := d.clinical.FindPatientByID(ctx, int64(req.PatientID)); err != nil {
		return nil, lookupErr(err, "patient")
	}
	target, err := d.signalTarget(ctx, int64(req.PatientID))
	if err != nil {
		return nil, err
	}
	if _, err := d.authorize(caller, rbac.ActionComment, target); err != nil {
		return nil, err
	}

	signal, err := d.clinical.FindSignalByID(ctx, int64(req.SignalID))
	if err != nil {
		return nil, lookupErr(err, "signal")
	}
	if signal.PatientID != int64(req.PatientID) {
		return nil, notFound("signal")
	}
	if err := d.clinical.UpdateSignalComments(ctx, signal.ID, *req.Comments); err != nil {
		return nil, lookupErr(err, "signal")
	}
	return map[string]any{"signal_id": signal.ID}, nil
}

func (d *Dispatcher) uploadSignal(ctx context.Context, call Call) (any, error) {
	var req struct {
		Metadata *struct {
			PatientID    ID         `json:"patient_id"`
			SamplingRate *Number    `json:"sampling_rate"`
			Timestamp    *Timestamp `json:"timestamp"`
		} `json:"metadata"`
		Compression string `json:"compression"`
		Filename    string `json:"filename"`
		Datafile    string `json:"datafile"`
		UserID      ID     `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	switch {
	case req.Metadata == nil:
		return nil, invalidPayload("metadata")
	case req.Metadata.PatientID <= 0:
		return nil, invalidPayload("metadata.patient_id")
	case req.Metadata.SamplingRate == nil || !validRate(float64(*req.Metadata.SamplingRate)):
		return nil, invalidPayload("metadata.sampling_rate")
	case req.Metadata.Timestamp == nil:
		return nil, invalidPayload("metadata.timestamp")
	case strings.TrimSpace(req.Filename) == "":
		return nil, invalidPayload("filename")
	case req.Datafile == "":
		return nil, invalidPayload("datafile")
	}
	if d.maxSignalBytes > 0 && base64.StdEncoding.DecodedLen(len(req.Datafile)) > d.maxSignalBytes+2 {
		return nil, errSignalTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(req.Datafile)
	if err != nil {
		return nil, invalidPayload("datafile")
	}
	if d.maxSignalBytes > 0 && len(data) > d.maxSignalBytes {
		return nil, errSignalTooLarge
	}

	patientID := int64(req.Metadata.PatientID)
	if _, err := d.clinical.FindPatientByID(ctx, patientID); err != nil {
		return nil, lookupErr(err, "patient")
	}
	if req.UserID != 0 {
		caller, err := d.resolveCaller(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		target, err := d.signalTarget(ctx, patientID)
		if err != nil {
			return nil, err
		}
		if _, err := d.authorize(caller, rbac.ActionUpload, target); err != nil {
			return nil, err
		}
	}

	compression := strings.TrimSpace(req.Compression)
	if compression == "" {
		compression = defaultCompression
	}
	filename := strings.TrimSpace(req.Filename)
	key := signalstore.NewKey(patientID, filename)
	if err := d.signals.Put(ctx, key, data); err != nil {
		d.log.Error("store signal artifact", zap.String("key", key), zap.Error(err))
		return nil, errStorage
	}

	id, err := d.clinical.InsertSignal(ctx, store.Signal{
		PatientID:    patientID,
		Filename:     filename,
		StorageKey:   key,
		Compression:  compression,
		SamplingRate: float64(*req.Metadata.SamplingRate),
		RecordedAt:   req.Metadata.Timestamp.Time,
		SizeBytes:    int64(len(data)),
	})
	if err != nil {
		d.log.Error("insert signal", zap.String("key", key), zap.Error(err))
		// The request context may already be spent; the cleanup gets its own.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if derr := d.signals.Delete(cleanupCtx, key); derr != nil {
			d.log.Warn("delete orphaned signal artifact", zap.String("key", key), zap.Error(derr))
		}
		return nil, errStorage
	}
	return map[string]any{"signal_id": id}, nil
}

func (d *Dispatcher) requestSignal(ctx context.Context, call Call) (any, error) {
	var req struct {
		SignalID ID `json:"signal_id"`
		UserID   ID `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	if req.SignalID <= 0 {
		return nil, invalidPayload("signal_id")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := requireClinical(caller); err != nil {
		return nil, err
	}

	signal, err := d.clinical.FindSignalByID(ctx, int64(req.SignalID))
	if err != nil {
		return nil, lookupErr(err, "signal")
	}
	target, err := d.signalTarget(ctx, signal.PatientID)
	if err != nil {
		return nil, err
	}
	if _, err := d.authorize(caller, rbac.ActionRead, target); err != nil {
		return nil, err
	}

	data, err := d.signals.Get(ctx, signal.StorageKey)
	if err != nil {
		if errors.Is(err, signalstore.ErrNotFound) {
			d.log.Error("signal artifact missing", zap.Int64("signal_id", signal.ID), zap.String("key", signal.StorageKey))
		} else {
			d.log.Error("read signal artifact", zap.Int64("signal_id", signal.ID), zap.Error(err))
		}
		return nil, errStorage
	}
	return map[string]any{
		"signal_id":   signal.ID,
		"patient_id":  signal.PatientID,
		"compression": SignalEncoding,
		"filename":    signal.Filename,
		"datafile":    base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (d *Dispatcher) patientSignals(ctx context.Context, call Call) (any, error) {
	var req struct {
		PatientID ID `json:"patient_id"`
		UserID    ID `json:"user_id"`
	}
	if err := decodeData(call.Data, &req); err != nil {
		return nil, err
	}
	if req.PatientID <= 0 {
		return nil, invalidPayload("patient_id")
	}
	caller, err := d.resolveCaller(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := requireClinical(caller); err != nil {
		return nil, err
	}

	if _, err := d.clinical.FindPatientByID(ctx, int64(req.PatientID)); err != nil {
		return nil, lookupErr(err, "patient")
	}
	target, err := d.signalTarget(ctx, int64(req.PatientID))
	if err != nil {
		return nil, err
	}
	if _, err := d.authorize(caller, rbac.ActionList, target); err != nil {
		return nil, err
	}

	signals, err := d.clinical.GetSignalsOfPatient(ctx, int64(req.PatientID))
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	out := make([]signalSummary, 0, len(signals))
	for _, s := range signals {
		out = append(out, newSignalSummary(s))
	}
	return map[string]any{"patient_id": req.PatientID, "signals": out}, nil
}

func validRate(rate float64) bool {
	return rate > 0 && !math.IsInf(rate, 0)
}
