package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// MessageType is the envelope tag selecting a handler.
type MessageType string

const (
	TypeLogin              MessageType = "LOGIN_REQUEST"
	TypePatientByEmail     MessageType = "REQUEST_PATIENT_BY_EMAIL"
	TypeDoctorByEmail      MessageType = "REQUEST_DOCTOR_BY_EMAIL"
	TypeDoctorByID         MessageType = "REQUEST_DOCTOR_BY_ID"
	TypePatientsFromDoctor MessageType = "REQUEST_PATIENTS_FROM_DOCTOR"
	TypeSaveComments       MessageType = "SAVE_COMMENTS_SIGNAL"
	TypeUploadSignal       MessageType = "UPLOAD_SIGNAL"
	TypeRequestSignal      MessageType = "REQUEST_SIGNAL"
	TypePatientSignals     MessageType = "REQUEST_PATIENT_SIGNALS"

	// TypeStopClient ends the session; it is never dispatched.
	TypeStopClient MessageType = "STOP_CLIENT"
	// TypeMalformed tags responses to lines that are not a request envelope.
	TypeMalformed MessageType = "MALFORMED_REQUEST"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// SignalEncoding is the compression label of REQUEST_SIGNAL payloads.
const SignalEncoding = "zip-base64"

type Request struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Type    MessageType `json:"type"`
	Status  Status      `json:"status"`
	Message string      `json:"message,omitempty"`
	Payload any         `json:"payload,omitempty"`
}

var errMissingType = errors.New("missing request type")

// DecodeRequest parses one protocol line into a request envelope.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	req.Type = MessageType(strings.TrimSpace(string(req.Type)))
	if req.Type == "" {
		return Request{}, errMissingType
	}
	return req, nil
}

func success(t MessageType, payload any) Response {
	return Response{Type: t, Status: StatusSuccess, Payload: payload}
}

func failure(t MessageType, message string) Response {
	return Response{Type: t, Status: StatusError, Message: message}
}

// Encode renders the response as a single protocol line without the
// terminator. A payload that cannot be marshalled degrades to an ERROR
// envelope so the peer still receives exactly one response; the marshal
// error is returned alongside it.
func (r Response) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(failure(r.Type, "internal error"))
		return fallback, fmt.Errorf("encode %s response: %w", r.Type, err)
	}
	return data, nil
}

// ID is a numeric entity id. Clients send ids either as JSON numbers or as
// numeric strings; zero means absent.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return &json.UnmarshalTypeError{Value: "id " + string(b), Type: reflect.TypeOf(ID(0))}
	}
	*id = ID(v)
	return nil
}

// Number accepts a JSON number or a numeric string. Only finite values
// decode; NaN and infinities cannot be re-encoded as JSON.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return &json.UnmarshalTypeError{Value: "number " + string(b), Type: reflect.TypeOf(Number(0))}
	}
	*n = Number(v)
	return nil
}

// Timestamp accepts Unix milliseconds (number or numeric string) or one of
// the textual layouts the companion apps emit.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	raw := bytes.TrimSpace(b)
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return &json.UnmarshalTypeError{Value: "timestamp " + string(raw), Type: reflect.TypeOf(Timestamp{})}
}
