// Package job defines the Job and ResumeToken types shared by every
// layer of the scheduler (engine, run, worker, scheduler). Kept
// dependency-free so every layer can import it without risking a cycle.
package job

// QueueMode selects how a Job is handled when its session already has an
// active run.
type QueueMode string

const (
	Collect      QueueMode = "collect"
	Followup     QueueMode = "followup"
	Steer        QueueMode = "steer"
	SteerBacklog QueueMode = "steer_backlog"
	Interrupt    QueueMode = "interrupt"
)

// ResumeToken is an opaque hint that a prior run may be continued by the
// same engine.
type ResumeToken struct {
	Engine string `json:"engine"`
	Value  string `json:"value"`
}

// Job is the immutable request descriptor accepted by the scheduler.
type Job struct {
	RunID      string // opaque; caller-assigned to enable cancel-by-id, else generated
	SessionKey string // primary routing/serialization key
	Prompt     string
	EngineID   string // resolution rules: explicit -> resume.Engine -> default
	CWD        string
	Resume     *ResumeToken
	QueueMode  QueueMode
	Lane       string         // advisory, carried through to engine
	ToolPolicy map[string]any // opaque
	Meta       map[string]any // may carry task_auto_followup, progress_msg_id, notify_pid, etc.
}

// DisableAutoResume reports whether meta carries the disable_auto_resume flag.
func (j Job) DisableAutoResume() bool {
	v, _ := j.Meta["disable_auto_resume"].(bool)
	return v
}

// LockKey is the key the EngineLock serializes on: resume.value if
// present, else session_key.
func (j Job) LockKey() string {
	if j.Resume != nil && j.Resume.Value != "" {
		return j.Resume.Value
	}
	if j.SessionKey != "" {
		return j.SessionKey
	}
	return "__global__"
}
