package types

import "time"

// Stage is a named phase of the job state machine.
type Stage string

const (
	StageASR       Stage = "asr"
	StageSummarize Stage = "summarize"
	StageMerge     Stage = "merge"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// Rank orders the non-failed stages. Failed ranks above everything so a
// transition out of it is never considered forward progress.
func (s Stage) Rank() int {
	switch s {
	case StageASR:
		return 0
	case StageSummarize:
		return 1
	case StageMerge:
		return 2
	case StageDone:
		return 3
	case StageFailed:
		return 4
	}
	return -1
}

func (s Stage) Valid() bool { return s.Rank() >= 0 }

func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// Job is the persisted state of one note-generation task.
type Job struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	Stage       Stage             `json:"stage"`
	Progress    int               `json:"progress"`
	LastError   *string           `json:"last_error,omitempty"`
	TotalChunks int               `json:"total_chunks,omitempty"`
	Finalized   bool              `json:"finalized"`
	Reserved    []string          `json:"reserved,omitempty"`
	Markdown    string            `json:"markdown,omitempty"`
	Note        *FinalNote        `json:"note,omitempty"`
	Provenance  map[string]string `json:"provenance,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	// Version is bumped by every successful store update. An update that
	// carries an older version is rejected with ErrStaleJob.
	Version int64 `json:"-"`
}

// Status is the read model exposed to pollers.
func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:     j.ID,
		Stage:     j.Stage,
		Progress:  j.Progress,
		LastError: j.LastError,
	}
}

// HasReserved reports whether quota for kind was already taken for this job.
func (j *Job) HasReserved(kind string) bool {
	for _, k := range j.Reserved {
		if k == kind {
			return true
		}
	}
	return false
}

// Fail moves the job to the terminal failed stage, keeping progress as is.
func (j *Job) Fail(err error) {
	msg := err.Error()
	j.Stage = StageFailed
	j.LastError = &msg
}

// JobStatus is what the status endpoint returns.
type JobStatus struct {
	JobID     string  `json:"job_id"`
	Stage     Stage   `json:"stage"`
	Progress  int     `json:"progress"`
	LastError *string `json:"last_error"`
}

// Chunk is one uploaded audio fragment.
type Chunk struct {
	JobID      string    `json:"job_id"`
	Index      int       `json:"index"`
	Data       []byte    `json:"-"`
	Mime       string    `json:"mime"`
	Filename   string    `json:"filename,omitempty"`
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Meta drops the payload.
func (c Chunk) Meta() ChunkMeta {
	return ChunkMeta{
		JobID:      c.JobID,
		Index:      c.Index,
		Mime:       c.Mime,
		Filename:   c.Filename,
		Size:       c.Size,
		UploadedAt: c.UploadedAt,
	}
}

type ChunkMeta struct {
	JobID      string    `json:"job_id"`
	Index      int       `json:"index"`
	Mime       string    `json:"mime"`
	Filename   string    `json:"filename,omitempty"`
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Transcript holds the ASR text of one chunk. Empty Text is a valid result.
type Transcript struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// SummaryPart is the rendered note for one transcript slice.
type SummaryPart struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}
