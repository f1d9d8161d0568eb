package models

import "time"

type JobState string

const (
	JobCreated          JobState = "created"
	JobValidating       JobState = "validating"
	JobFetchingMetadata JobState = "fetching_metadata"
	JobDownloading      JobState = "downloading"
	JobTranscoding      JobState = "transcoding"
	JobCompleted        JobState = "completed"
	JobFailed           JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one conversion from validated URL to artifact or failure. It owns
// every file listed in TempFiles until the pipeline consumes or removes it.
type Job struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	SourceURL  string    `json:"source_url"`
	State      JobState  `json:"state"`
	TempFiles  []string  `json:"-"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewJob(id, requestID, sourceURL string) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		RequestID: requestID,
		SourceURL: sourceURL,
		State:     JobCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the job to the next state. Terminal states absorb.
func (j *Job) Transition(next JobState) bool {
	if j.State.Terminal() {
		return false
	}
	j.State = next
	j.UpdatedAt = time.Now()
	return true
}

// Track records a temp file the job is responsible for.
func (j *Job) Track(path string) {
	if path == "" {
		return
	}
	for _, p := range j.TempFiles {
		if p == path {
			return
		}
	}
	j.TempFiles = append(j.TempFiles, path)
}
