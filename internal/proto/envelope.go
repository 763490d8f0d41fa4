package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Operation identifies what an envelope asks for or reports. The set is
// closed: dispatch tables are built against these constants and reject
// anything else.
type Operation string

// Inbound operations accepted by the hub.
const (
	OpLicenseGenerated Operation = "LICENSE_GENERATED"
	OpPaymentProcessed Operation = "PAYMENT_PROCESSED"
	OpToolkitUpdate    Operation = "TOOLKIT_UPDATE"
	OpPCloudSync       Operation = "PCLOUD_SYNC"
	OpTestResults      Operation = "TEST_RESULTS"
	OpPing             Operation = "PING"
)

// Hub-originated operations.
const (
	OpConnected             Operation = "CONNECTED"
	OpPong                  Operation = "PONG"
	OpError                 Operation = "ERROR"
	OpStatusUpdate          Operation = "STATUS_UPDATE"
	OpTestResultsUpdate     Operation = "TEST_RESULTS_UPDATE"
	OpToolkitUpdateComplete Operation = "TOOLKIT_UPDATE_COMPLETE"
	OpPCloudSyncComplete    Operation = "PCLOUD_SYNC_COMPLETE"
	OpLicenseStored         Operation = "LICENSE_GENERATED_COMPLETE"
	OpPaymentStored         Operation = "PAYMENT_PROCESSED_COMPLETE"
)

// Call-style operations carried over the HTTP side channel.
const (
	OpTestSync            Operation = "TEST_SYNC"
	OpLicenseActivation   Operation = "LICENSE_ACTIVATION"
	OpLicenseDeactivation Operation = "LICENSE_DEACTIVATION"
	OpPaymentVerification Operation = "PAYMENT_VERIFICATION"
	OpEmailDelivery       Operation = "EMAIL_DELIVERY"
	OpWebhookStatus       Operation = "WEBHOOK_STATUS"
)

// Close codes for connection-fatal rejections. Values follow the
// WebSocket close-code registry the protocol was first deployed with.
const (
	ClosePolicyViolation = 1008
	CloseCapacity        = 1013
	CloseInternalError   = 1011
)

// ErrValidation marks a malformed envelope or schema violation. Per-message,
// never connection-fatal.
var ErrValidation = errors.New("envelope validation failed")

// Envelope is the wire unit exchanged in both directions. Envelopes are
// values: built per message, never mutated after construction.
type Envelope struct {
	Operation Operation       `json:"operation"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Unknown top-level fields pass validation and are dropped by the struct
// decode; peers built against older protocol revisions stay accepted.
const envelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation", "timestamp"],
  "properties": {
    "operation": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "data": {},
    "signature": {"type": "string", "pattern": "^[0-9a-f]*$"}
  }
}`

var envelopeSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://syncbridge.schemas.local/envelope.schema.json"
	if err := c.AddResource(url, strings.NewReader(envelopeSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// ParseEnvelope decodes and validates raw JSON. Shape failures and bad
// timestamps come back wrapped in ErrValidation so the caller can answer
// with an ERROR envelope instead of closing the connection.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := envelopeSchema.Validate(generic); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		return Envelope{}, fmt.Errorf("%w: bad timestamp %q", ErrValidation, env.Timestamp)
	}
	return env, nil
}

// New builds an envelope stamped with the current UTC time.
func New(op Operation, data any) (Envelope, error) {
	env := Envelope{
		Operation: op,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// NewError builds the structured ERROR envelope peers see. Internal detail
// never rides in here; callers pass a short public reason only.
func NewError(reason string) Envelope {
	data, _ := json.Marshal(map[string]string{"error": reason})
	return Envelope{
		Operation: OpError,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// Encode serializes an envelope for framing.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
