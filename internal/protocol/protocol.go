// Package protocol defines the wire messages exchanged between the
// dispatcher and worker processes: a length-prefixed JSON header,
// optionally followed by a binary payload (see internal/transport).
package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Version is the only protocol version this build recognizes. A header
// that carries a different value is rejected by ValidateVersion.
const Version = 1

type MessageType string

const (
	TypeNewConvertor MessageType = "new_convertor"
	TypeAck          MessageType = "ack"
	TypeNewBatch     MessageType = "new_batch"
	TypeNewJob       MessageType = "new_job"
	TypeImagesReady  MessageType = "images_ready"
	TypeJobError     MessageType = "job_error"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeShutdown     MessageType = "shutdown"
)

// ProtocolError marks a malformed header: bad version, missing required
// field, or anything else that should drop the connection rather than be
// handed to the message handler.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

func protoErr(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// ImageType and SizeType mirror the FileOptions enums from spec.md §3.
type ImageType string

const (
	ImageComplex ImageType = "complex"
	ImageGraphic ImageType = "graphic"
	ImageProduct ImageType = "product"
	ImageDefault ImageType = "default"
)

type SizeType string

const (
	SizeBanner    SizeType = "banner"
	SizeContent   SizeType = "content"
	SizeThumbnail SizeType = "thumbnail"
	SizeIcon      SizeType = "icon"
	SizeOther     SizeType = "other"
)

// FileOptions are the conversion parameters attached to a new_job message.
type FileOptions struct {
	Lossless  bool   `json:"lossless"`
	TextFocus bool   `json:"text_focus"`
	HasText   bool   `json:"has_text"`
	Type      string `json:"type,omitempty"`

	CropSizeW *int `json:"crop_size_w,omitempty"`
	CropSizeH *int `json:"crop_size_h,omitempty"`
	CropTopX  *int `json:"crop_top_x,omitempty"`
	CropTopY  *int `json:"crop_top_y,omitempty"`
	CropW     *int `json:"crop_w,omitempty"`
	CropH     *int `json:"crop_h,omitempty"`

	SizeType string `json:"size_type,omitempty"`
	Width    *int   `json:"width,omitempty"`
	Height   *int   `json:"height,omitempty"`
}

// DefaultFileOptions matches the zero-value contract of the original
// implementation: type=default, size_type=content, everything else false/nil.
func DefaultFileOptions() FileOptions {
	return FileOptions{Type: string(ImageDefault), SizeType: string(SizeContent)}
}

// HasCrop is true iff all six crop parameters are present.
func (o FileOptions) HasCrop() bool {
	fields := []*int{o.CropSizeW, o.CropSizeH, o.CropTopX, o.CropTopY, o.CropW, o.CropH}
	count := 0
	for _, f := range fields {
		if f != nil {
			count++
		}
	}
	return count == len(fields)
}

// HasPartialCrop is true iff some but not all six crop parameters are
// present — the invalid state Validate rejects.
func (o FileOptions) HasPartialCrop() bool {
	fields := []*int{o.CropSizeW, o.CropSizeH, o.CropTopX, o.CropTopY, o.CropW, o.CropH}
	count := 0
	for _, f := range fields {
		if f != nil {
			count++
		}
	}
	return count > 0 && count < len(fields)
}

// HasExplicitSize is true iff an explicit width or height was requested.
func (o FileOptions) HasExplicitSize() bool {
	return o.Width != nil || o.Height != nil
}

var validImageTypes = map[string]bool{
	"": true, string(ImageComplex): true, string(ImageGraphic): true,
	string(ImageProduct): true, string(ImageDefault): true,
}

var validSizeTypes = map[string]bool{
	"": true, string(SizeBanner): true, string(SizeContent): true,
	string(SizeThumbnail): true, string(SizeIcon): true, string(SizeOther): true,
}

// Validate checks the enum and crop-completeness invariants from spec.md §3.
func (o FileOptions) Validate() error {
	if !validImageTypes[o.Type] {
		return protoErr("invalid FileOptions.type: %q", o.Type)
	}
	if !validSizeTypes[o.SizeType] {
		return protoErr("invalid FileOptions.size_type: %q", o.SizeType)
	}
	if o.HasPartialCrop() {
		return protoErr("crop parameters must be all present or all absent")
	}
	return nil
}

// Envelope is the union of every protocol header shape. Only the fields
// relevant to Type are populated on encode; Decode leaves the rest zero.
type Envelope struct {
	V    int         `json:"v,omitempty"`
	Type MessageType `json:"type"`

	// new_convertor / shutdown
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// new_convertor: incarnation nonce (§3a of SPEC_FULL.md)
	Nonce string `json:"nonce,omitempty"`

	// ack
	ID *int `json:"id,omitempty"`

	// new_batch
	BatchID    *int `json:"batch_id,omitempty"`
	FinishJobs bool `json:"finish_jobs,omitempty"`

	// new_job
	JobID      *int         `json:"job_id,omitempty"`
	Filename   string       `json:"filename,omitempty"`
	Options    *FileOptions `json:"options,omitempty"`
	ByteLength *int64       `json:"byte_length,omitempty"`

	// images_ready
	WorkerID    *int   `json:"worker_id,omitempty"`
	Format      string `json:"format,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// job_error
	WID       *int   `json:"w_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// heartbeat
	Time float64 `json:"time,omitempty"`

	// populated server-side on receive, per spec.md §4.3
	SavedPath string   `json:"saved_path,omitempty"`
	Paths     []string `json:"paths,omitempty"`
}

// ValidateVersion enforces the "v:1 recognized, mismatched version
// rejected" rule. A header with no v field at all is accepted, matching
// messages (new_convertor, new_batch, heartbeat, shutdown) that never
// carry one.
func ValidateVersion(e *Envelope) error {
	if e.V != 0 && e.V != Version {
		return protoErr("protocol version mismatch: expected %d, got %d", Version, e.V)
	}
	return nil
}

func intPtr(v int) *int     { return &v }
func i64Ptr(v int64) *int64 { return &v }

// NewConvertorMessage builds a worker->dispatcher registration header.
func NewConvertorMessage(host string, port int, nonce string) (*Envelope, error) {
	if host == "" || port == 0 {
		return nil, protoErr("registration message doesn't have host or port")
	}
	return &Envelope{Type: TypeNewConvertor, Host: host, Port: port, Nonce: nonce}, nil
}

// AckMessage builds a dispatcher->worker registration acknowledgement.
func AckMessage(id int) *Envelope {
	return &Envelope{Type: TypeAck, ID: intPtr(id)}
}

// NewBatchMessage builds a dispatcher->worker batch-switch notification.
func NewBatchMessage(batchID int) (*Envelope, error) {
	return &Envelope{Type: TypeNewBatch, BatchID: intPtr(batchID), FinishJobs: false}, nil
}

// NewJobMessage builds a dispatcher->worker job dispatch header. The
// caller attaches the file payload separately; byteLength must equal its
// length.
func NewJobMessage(batchID, jobID int, filename string, options FileOptions, byteLength int64) (*Envelope, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Envelope{
		V: Version, Type: TypeNewJob,
		BatchID: intPtr(batchID), JobID: intPtr(jobID),
		Filename: filename, Options: &options, ByteLength: i64Ptr(byteLength),
	}, nil
}

// ImagesReadyMessage builds a worker->dispatcher completion header.
func ImagesReadyMessage(batchID, jobID, workerID int, filename string, byteLength int64) *Envelope {
	return &Envelope{
		V: Version, Type: TypeImagesReady,
		BatchID: intPtr(batchID), JobID: intPtr(jobID), WorkerID: intPtr(workerID),
		Format: "zip", Filename: filename, ContentType: "application/zip",
		ByteLength: i64Ptr(byteLength),
	}
}

// JobStage values for JobErrorMessage.
const (
	StageConvert JobStage = "convert"
	StageZip     JobStage = "zip"
	StageUnknown JobStage = "unknown"
)

type JobStage string

// JobErrorMessage builds a worker->dispatcher failure report.
func JobErrorMessage(batchID, jobID, workerID int, stage JobStage, errMsg, traceback string, retryable bool) (*Envelope, error) {
	if traceback == "" {
		return nil, protoErr("incomplete job_error message: traceback required")
	}
	return &Envelope{
		V: Version, Type: TypeJobError,
		BatchID: intPtr(batchID), JobID: intPtr(jobID), WID: intPtr(workerID),
		Stage: string(stage), Error: errMsg, Traceback: traceback, Retryable: retryable,
	}, nil
}

// HeartbeatMessage builds a worker->dispatcher UDP liveness ping.
func HeartbeatMessage(workerID int, unixSeconds float64) *Envelope {
	return &Envelope{Type: TypeHeartbeat, WorkerID: intPtr(workerID), Time: unixSeconds}
}

// ShutdownMessage builds a cooperative-shutdown signal.
func ShutdownMessage(host string, port int) (*Envelope, error) {
	if host == "" || port == 0 {
		return nil, protoErr("unfinished shutdown message")
	}
	return &Envelope{Type: TypeShutdown, Host: host, Port: port}, nil
}

// Marshal encodes an envelope as the JSON header bytes (no length prefix —
// see internal/transport for framing).
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes header bytes into an Envelope and checks the version.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, protoErr("malformed header: %v", err)
	}
	if err := ValidateVersion(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
