// Package domain holds the core entities, ports and error taxonomy of the
// code execution service. Adapters depend on this package, never the other
// way around.
package domain

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAuthMissing       = errors.New("api key missing")
	ErrAuthInvalid       = errors.New("api key invalid")
	ErrRateLimited       = errors.New("rate limited")
	ErrScreeningRejected = errors.New("code screening rejected")
	ErrNotFound          = errors.New("not found")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrTokenInvalid      = errors.New("stream token invalid")
	ErrControlPlane      = errors.New("control plane request failed")
	ErrInternal          = errors.New("internal error")
)

// Language is the closed set of supported execution languages.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangJava       Language = "java"
	LangCPP        Language = "cpp"
	LangC          Language = "c"
	LangGo         Language = "go"
	LangRust       Language = "rust"
)

// Languages lists every supported language in a stable order.
func Languages() []Language {
	return []Language{
		LangPython, LangJavaScript, LangTypeScript, LangJava,
		LangCPP, LangC, LangGo, LangRust,
	}
}

// ValidLanguage reports whether s names a supported language.
func ValidLanguage(s string) bool {
	switch Language(s) {
	case LangPython, LangJavaScript, LangTypeScript, LangJava,
		LangCPP, LangC, LangGo, LangRust:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	// JobUnknown is the read-only answer for an absent or expired record.
	JobUnknown JobStatus = "unknown"
)

// Terminal reports whether no further transitions are valid from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the authoritative record of one submitted execution request.
// The submission service creates it; after enqueue the worker loop is the
// sole mutator of status and result fields. The stored record is always
// authoritative over anything seen on a pub/sub channel.
type Job struct {
	ID          string
	Code        string
	Language    Language
	Filename    string
	Status      JobStatus
	CreatedAt   int64  // unix seconds
	CompletedAt int64  // unix seconds, zero until terminal
	Result      string // JSON-encoded ExecutionResult, set on terminal status
	Error       string // non-sandbox failure reason, set on status=failed
}

// ExecutionResult is the sandbox outcome for one job.
type ExecutionResult struct {
	Success       bool    `json:"success"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// JobUpdate is the discriminated wire object published on job:<id>:updates.
// Status is the tag: "processing" carries no payload, "completed" carries
// Result, "failed" carries Error.
type JobUpdate struct {
	Type      string           `json:"type"`
	JobID     string           `json:"job_id"`
	Status    JobStatus        `json:"status"`
	Result    *ExecutionResult `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp float64          `json:"timestamp,omitempty"`
}

// UpdateTypeStatus is the only server-originated update type.
const UpdateTypeStatus = "status_update"

// CodeSubmission is the client request for one execution.
type CodeSubmission struct {
	Code     string `json:"code" validate:"required,max=10000"`
	Language string `json:"language" validate:"required"`
	Filename string `json:"filename" validate:"required,max=255"`
}

const (
	// MaxCodeBytes caps submitted source size.
	MaxCodeBytes = 10000
	// JobTTL is how long a job record lives on the broker.
	JobTTL = time.Hour
)

var (
	jobIDRe    = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
	filenameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// ValidJobID reports whether id is syntactically acceptable. Workers treat
// anything popped from a queue that fails this check as noise.
func ValidJobID(id string) bool { return id != "" && jobIDRe.MatchString(id) }

// ValidFilename reports whether name is an acceptable sandbox filename.
func ValidFilename(name string) bool {
	return name != "" && len(name) <= 255 && filenameRe.MatchString(name)
}

// Ports. Adapters implement these; usecases and loops depend on them.

// JobStore persists job records and their transitions on the broker.
type JobStore interface {
	Create(ctx context.Context, j Job) error
	// Get returns ok=false (not an error) when the record is absent or expired.
	Get(ctx context.Context, id string) (Job, bool, error)
	// Transition performs a pipelined multi-field set. It is logically
	// idempotent for terminal statuses and does NOT enforce monotonicity;
	// the worker protocol does.
	Transition(ctx context.Context, id string, to JobStatus, extra map[string]string) error
}

// JobQueue is the per-language FIFO over broker lists.
type JobQueue interface {
	Enqueue(ctx context.Context, lang Language, jobID string) error
	// Dequeue blocks up to timeout; ok=false means the timeout elapsed.
	Dequeue(ctx context.Context, lang Language, timeout time.Duration) (string, bool, error)
	// Depths returns the pending count per language in one round trip.
	Depths(ctx context.Context, langs []Language) (map[Language]int64, error)
}

// UpdateBus carries advisory signals: enqueue notifications and per-job
// status updates. Consumers must reconcile against the JobStore.
type UpdateBus interface {
	PublishUpdate(ctx context.Context, u JobUpdate) error
	NotifyEnqueued(ctx context.Context, lang Language) error
	SubscribeUpdates(ctx context.Context, jobID string) (Subscription, error)
	SubscribeNotifications(ctx context.Context) (Subscription, error)
}

// Subscription is one live pub/sub stream. Close is idempotent.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Sandbox executes submitted code. Kernel-level isolation is the
// implementation's concern; callers only see the result or an error.
type Sandbox interface {
	Execute(ctx context.Context, code, filename string) (ExecutionResult, error)
}

// Machine is one worker host known to the control plane.
type Machine struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Machine states the autoscaler cares about.
const (
	MachineStarted = "started"
	MachineStopped = "stopped"
)

// MachinesAPI is the external control plane: list an app's machines and
// start one by id.
type MachinesAPI interface {
	ListMachines(ctx context.Context, app string) ([]Machine, error)
	StartMachine(ctx context.Context, app, machineID string) error
}
