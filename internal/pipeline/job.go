package pipeline

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job is one request to dub and publish a single source video. It is not
// modified after admission.
type Job struct {
	ID              string
	SourceURL       string
	ChatID          int64
	StatusMessageID int
	UserID          int64
	SubmittedAt     time.Time
}

// Request is what a submitter hands to Submit.
type Request struct {
	SourceURL       string `json:"videoUrl"`
	ChatID          int64  `json:"chatId"`
	StatusMessageID int    `json:"msgId"`
	UserID          int64  `json:"userId,omitempty"` // refunded if the job is dropped
}

// Admission is the answer to Submit. Position counts the job's own slot, so
// a job that starts right away is at 1 and the job behind a running one is
// at 2. Ahead is the number of jobs that will run first.
type Admission struct {
	JobID    string `json:"jobId"`
	Position int    `json:"position"`
	Ahead    int    `json:"ahead"`
	Queued   bool   `json:"queued"`
}

// Health is a point-in-time view of the worker.
type Health struct {
	QueueDepth int    `json:"queue"`
	Running    bool   `json:"running"`
	CurrentJob string `json:"currentJob,omitempty"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
