package record

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrUnknownKind = errors.New("unknown record kind")
	ErrUnparsable  = errors.New("unparsable record")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Kind discriminates the record union. The values double as the "type"
// field in the serialized form.
type Kind string

const (
	KindServer                Kind = "server"
	KindTunnel                Kind = "tunnel"
	KindClient                Kind = "client"
	KindAutomationCredentials Kind = "automation_credentials"
)

func (k Kind) Valid() bool {
	switch k {
	case KindServer, KindTunnel, KindClient, KindAutomationCredentials:
		return true
	}
	return false
}

// Fields is the per-kind payload of a record.
type Fields interface {
	Kind() Kind
	// NaturalKey identifies the real-world entity the record describes,
	// independent of the generated id. Two records with equal natural
	// keys are semantic duplicates that conflict resolution must merge.
	NaturalKey() string
	DisplayName() string
}

// Server is a remote machine reachable over SSH.
type Server struct {
	Name      string `json:"name" validate:"required"`
	IPAddress string `json:"ip_address" validate:"required,ip"`
	User      string `json:"user" validate:"required"`
}

func (s *Server) Kind() Kind          { return KindServer }
func (s *Server) NaturalKey() string  { return "server|" + s.IPAddress }
func (s *Server) DisplayName() string { return s.Name }

// Tunnel exposes a local destination through a server under a hostname.
type Tunnel struct {
	ServerID         string `json:"server_id" validate:"required,uuid4"`
	ClientID         string `json:"client_id,omitempty" validate:"omitempty,uuid4"`
	Hostname         string `json:"hostname" validate:"required,hostname_rfc1123"`
	RemotePort       int    `json:"remote_port,omitempty" validate:"omitempty,min=1,max=65535"`
	LocalDestination string `json:"local_destination,omitempty"`
}

func (t *Tunnel) Kind() Kind          { return KindTunnel }
func (t *Tunnel) NaturalKey() string  { return "tunnel|" + t.ServerID + "|" + t.Hostname }
func (t *Tunnel) DisplayName() string { return t.Hostname }

// Client is a paired device participating in folder synchronization.
type Client struct {
	Name     string `json:"name" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

func (c *Client) Kind() Kind          { return KindClient }
func (c *Client) NaturalKey() string  { return "client|" + c.DeviceID }
func (c *Client) DisplayName() string { return c.Name }

// AutomationCredentials holds the SSH key pair used for provisioning.
// At most one such record is meaningful, so the kind itself is the
// natural key.
type AutomationCredentials struct {
	PrivateKeyPath string `json:"ssh_private_key_path" validate:"required"`
	PublicKeyPath  string `json:"ssh_public_key_path" validate:"required"`
}

func (a *AutomationCredentials) Kind() Kind          { return KindAutomationCredentials }
func (a *AutomationCredentials) NaturalKey() string  { return string(KindAutomationCredentials) }
func (a *AutomationCredentials) DisplayName() string { return "Automation Credentials" }

// Record pairs an immutable id with its typed payload. Extra carries
// fields written by newer versions of the application so that an update
// from an older version does not silently drop them.
type Record struct {
	ID     string
	Fields Fields
	Extra  map[string]json.RawMessage
}

// New assigns a fresh UUID to the given payload. Ids are never reused,
// even after deletion.
func New(fields Fields) *Record {
	return &Record{
		ID:     uuid.NewString(),
		Fields: fields,
	}
}

func (r *Record) Kind() Kind          { return r.Fields.Kind() }
func (r *Record) NaturalKey() string  { return r.Fields.NaturalKey() }
func (r *Record) DisplayName() string { return r.Fields.DisplayName() }

// Validate checks the id shape and the per-kind field constraints.
func (r *Record) Validate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("invalid record id %q: %w", r.ID, err)
	}
	if r.Fields == nil || !r.Fields.Kind().Valid() {
		return ErrUnknownKind
	}
	return validate.Struct(r.Fields)
}

// fieldsFor returns a zero payload for a kind.
func fieldsFor(kind Kind) (Fields, error) {
	switch kind {
	case KindServer:
		return &Server{}, nil
	case KindTunnel:
		return &Tunnel{}, nil
	case KindClient:
		return &Client{}, nil
	case KindAutomationCredentials:
		return &AutomationCredentials{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// knownKeys lists the serialized field names per kind, used to separate
// Extra from typed fields on decode.
var knownKeys = map[Kind][]string{
	KindServer:                {"name", "ip_address", "user"},
	KindTunnel:                {"server_id", "client_id", "hostname", "remote_port", "local_destination"},
	KindClient:                {"name", "device_id"},
	KindAutomationCredentials: {"ssh_private_key_path", "ssh_public_key_path"},
}

// Encode serializes the record to its canonical textual form: a flat
// JSON object with two-space indentation and lexically sorted keys.
// Patches are computed between successive encodings, so the encoding
// must be deterministic for identical records.
func (r *Record) Encode() (string, error) {
	flat := map[string]json.RawMessage{}
	for k, v := range r.Extra {
		flat[k] = v
	}

	payload, err := json.Marshal(r.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s fields: %w", r.Kind(), err)
	}
	if err := json.Unmarshal(payload, &flat); err != nil {
		return "", fmt.Errorf("failed to flatten %s fields: %w", r.Kind(), err)
	}

	id, _ := json.Marshal(r.ID)
	kind, _ := json.Marshal(r.Kind())
	flat["id"] = id
	flat["type"] = kind

	text, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(text), nil
}

// Decode parses the canonical textual form back into a Record. Unknown
// top-level keys are preserved in Extra.
func Decode(text string) (*Record, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &flat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}

	var id string
	if raw, ok := flat["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w: bad id: %v", ErrUnparsable, err)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrUnparsable)
	}

	var kind Kind
	if raw, ok := flat["type"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, fmt.Errorf("%w: bad type: %v", ErrUnparsable, err)
		}
	}

	fields, err := fieldsFor(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(text), fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}

	known := map[string]bool{"id": true, "type": true}
	for _, k := range knownKeys[kind] {
		known[k] = true
	}

	var extra map[string]json.RawMessage
	for k, v := range flat {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = map[string]json.RawMessage{}
		}
		extra[k] = v
	}

	return &Record{ID: id, Fields: fields, Extra: extra}, nil
}

// Clone returns a deep copy via the canonical encoding.
func (r *Record) Clone() (*Record, error) {
	text, err := r.Encode()
	if err != nil {
		return nil, err
	}
	return Decode(text)
}
