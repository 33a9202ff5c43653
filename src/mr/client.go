package mr

import (
	"time"
)

// Client is the submission-side handle on the scheduler.
type Client struct {
	sock    string
	timeout time.Duration
}

func NewClient(schedulerSock string) *Client {
	return &Client{sock: schedulerSock, timeout: 30 * time.Second}
}

func (c *Client) SubmitJob(args SubmitJobArgs) (SubmitJobReply, error) {
	var reply SubmitJobReply
	err := call(c.sock, "Scheduler.HandleSubmitJob", &args, &reply, c.timeout)
	return reply, err
}

func (c *Client) GetJobStatus(jobID string) (GetJobStatusReply, error) {
	var reply GetJobStatusReply
	err := call(c.sock, "Scheduler.HandleGetJobStatus", &GetJobStatusArgs{JobID: jobID}, &reply, c.timeout)
	return reply, err
}

func (c *Client) UploadBlob(data []byte, remotePath string) error {
	var reply UploadBlobReply
	return call(c.sock, "Scheduler.HandleUploadBlob", &UploadBlobArgs{Data: data, RemotePath: remotePath}, &reply, c.timeout)
}

func (c *Client) GetResults(outputPath string, limit int) ([]string, error) {
	var reply GetResultsReply
	err := call(c.sock, "Scheduler.HandleGetResults", &GetResultsArgs{OutputPath: outputPath, Limit: limit}, &reply, c.timeout)
	return reply.Lines, err
}

// WaitForJob polls until the job reaches a terminal phase or waitFor
// elapses.
func (c *Client) WaitForJob(jobID string, poll, waitFor time.Duration) (GetJobStatusReply, error) {
	deadline := time.Now().Add(waitFor)
	for {
		status, err := c.GetJobStatus(jobID)
		if err != nil {
			return status, err
		}
		if status.Phase == Completed || status.Phase == Failed {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, Errf(Timeout, "job %s still %s after %v", jobID, status.Phase, waitFor)
		}
		time.Sleep(poll)
	}
}
