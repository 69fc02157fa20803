package portalgo

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultPollInterval is how long WaitForJob sleeps between status checks.
const DefaultPollInterval = 2 * time.Second

// publishableFileTypes are the source file types the publish endpoint
// accepts.
var publishableFileTypes = map[string]bool{
	"serviceDefinition": true,
	"shapefile":         true,
	"csv":               true,
	"tilePackage":       true,
	"featureCollection": true,
}

// PublishJob describes one service produced by a publish call. An async
// submission carries a JobID to poll; an immediate failure carries Error.
type PublishJob struct {
	ItemID        string       `json:"serviceItemId"`
	ServiceURL    string       `json:"serviceurl"`
	Type          string       `json:"type"`
	JobID         string       `json:"jobId"`
	Success       *bool        `json:"success,omitempty"`
	PublishError  *RemoteError `json:"error,omitempty"`
}

// Failed reports an immediate publish failure for this service.
func (j *PublishJob) Failed() bool {
	return j.Success != nil && !*j.Success
}

// JobInfo is one poll of a job status endpoint. Status is non-terminal
// until "completed" or "failed".
type JobInfo struct {
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage"`
}

// Terminal reports whether the job has finished, either way.
func (i *JobInfo) Terminal() bool {
	switch strings.ToLower(i.Status) {
	case "completed", "failed":
		return true
	}
	return false
}

// PublishItem submits a publish job for one supported source file type and
// returns one descriptor per resulting service, possibly none.
func (p *Portal) PublishItem(owner, itemID, fileType string) ([]PublishJob, error) {
	if !publishableFileTypes[fileType] {
		return nil, fmt.Errorf("unsupported publish file type %q", fileType)
	}
	form := url.Values{}
	form.Set("itemId", itemID)
	form.Set("fileType", fileType)
	var resp struct {
		Services []PublishJob `json:"services"`
	}
	if err := p.session.Post("content/users/"+owner+"/publish", form, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// JobStatus fetches one snapshot of a job's progress.
func (p *Portal) JobStatus(owner, itemID, jobID, jobType string) (*JobInfo, error) {
	query := url.Values{}
	query.Set("jobId", jobID)
	if jobType != "" {
		query.Set("jobType", jobType)
	}
	var info JobInfo
	if err := p.session.Get("content/users/"+owner+"/items/"+itemID+"/status", query, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitForJob polls JobStatus at a fixed interval, blocking the calling
// goroutine between polls, until the job reaches a terminal state.
func (p *Portal) WaitForJob(owner, itemID, jobID, jobType string, interval time.Duration) (*JobInfo, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		info, err := p.JobStatus(owner, itemID, jobID, jobType)
		if err != nil {
			return nil, err
		}
		if info.Terminal() {
			return info, nil
		}
		p.log.Debug().Str("jobId", jobID).Str("status", info.Status).Msg("job still running")
		time.Sleep(interval)
	}
}
