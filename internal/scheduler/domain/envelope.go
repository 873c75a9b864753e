package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandKind tells the executing side how to interpret JobEnvelope.Data
type CommandKind string

const (
	KindClosure CommandKind = "closure"
	KindString  CommandKind = "string"
	KindObject  CommandKind = "object"
)

// JobEnvelope is the canonical, serializable description of a deferred job.
// Field names are part of the wire format read by the remote scheduler.
type JobEnvelope struct {
	UUID          string          `json:"uuid"`
	DisplayName   string          `json:"displayName"`
	Name          string          `json:"name,omitempty"`
	Job           string          `json:"job"`
	MaxTries      *int            `json:"maxTries"`
	MaxExceptions *int            `json:"maxExceptions"`
	Delay         *int            `json:"delay"`
	Timeout       *int            `json:"timeout"`
	TimeoutAt     *int64          `json:"timeoutAt,omitempty"`
	Kind          CommandKind     `json:"kind"`
	Data          json.RawMessage `json:"data"`

	// Extra holds fields contributed by payload hooks (tenant id, trace id, ...).
	Extra map[string]json.RawMessage `json:"-"`
}

// CommandData is the data block of object and closure envelopes
type CommandData struct {
	CommandName string          `json:"commandName"`
	Command     json.RawMessage `json:"command"`
}

var envelopeFields = []string{
	"uuid", "displayName", "name", "job", "maxTries", "maxExceptions",
	"delay", "timeout", "timeoutAt", "kind", "data",
}

type envelopeAlias JobEnvelope

// MarshalJSON writes the known fields and inlines Extra
func (e JobEnvelope) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for key, value := range e.Extra {
		if _, known := fields[key]; known {
			continue
		}
		fields[key] = value
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads the known fields and keeps everything else in Extra
func (e *JobEnvelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, key := range envelopeFields {
		delete(fields, key)
	}

	*e = JobEnvelope(alias)
	e.Extra = nil
	if len(fields) > 0 {
		e.Extra = fields
	}
	return nil
}

// Command decodes the data block of an object or closure envelope
func (e JobEnvelope) Command() (CommandData, error) {
	if e.Kind != KindObject && e.Kind != KindClosure {
		return CommandData{}, fmt.Errorf("envelope %s of kind %q carries no command", e.UUID, e.Kind)
	}

	var data CommandData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return CommandData{}, fmt.Errorf("invalid command data: %w", err)
	}
	if data.CommandName == "" {
		return CommandData{}, fmt.Errorf("command data has no commandName")
	}
	return data, nil
}

// Label returns the name the remote scheduler shows for this envelope
func (e JobEnvelope) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s (%s)", e.DisplayName, e.UUID)
}

// DispatchRequest is the body of a job submission to the remote scheduling API
type DispatchRequest struct {
	Method  string          `json:"method"`
	Name    string          `json:"name"`
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
	Start   string          `json:"start"`
	Enabled bool            `json:"enabled"`

	Envelope JobEnvelope `json:"-"`
	StartAt  time.Time   `json:"-"`
}
