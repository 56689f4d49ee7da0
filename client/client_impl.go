package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type response struct {
	code      int
	body      []byte
	requestID string
}

// getReq generates an HTTP request
// - method is the HTTP method
// - relativePath is the path under /api
// - query is the query parameters
// - body is the request body, nil if no body to send
func (c *EqClient) getReq(ctx context.Context, method, relativePath string, query url.Values, body []byte) (
	req *http.Request, err error) {
	targetUrl := (&url.URL{
		Scheme:   c.scheme,
		Host:     c.endpoint,
		Path:     path.Join("/api", relativePath),
		RawQuery: query.Encode(),
	}).String()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err = http.NewRequestWithContext(ctx, method, targetUrl, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.Pool != "" {
		req.Header.Add("X-Pool", c.Pool)
	}
	return req, nil
}

// do sends the request and reads the whole response. Network errors and 5xx
// responses are retried as configured by ConfigRetry.
func (c *EqClient) do(ctx context.Context, method, relativePath string, query url.Values, body []byte) (*response, error) {
	operation := func() (*response, error) {
		req, err := c.getReq(ctx, method, relativePath, query, body)
		if err != nil {
			return nil, backoff.Permanent(&APIError{
				Type:   RequestErr,
				Reason: err.Error(),
			})
		}
		resp, err := c.httpCli.Do(req)
		if err != nil {
			return nil, &APIError{
				Type:   RequestErr,
				Reason: err.Error(),
			}
		}
		defer resp.Body.Close()
		r := &response{code: resp.StatusCode, requestID: resp.Header.Get("X-Request-ID")}
		if r.body, err = io.ReadAll(resp.Body); err != nil {
			return nil, &APIError{
				Type:      ResponseErr,
				Reason:    err.Error(),
				RequestID: r.requestID,
			}
		}
		if r.code >= 500 {
			return nil, &APIError{
				Type:      ResponseErr,
				Reason:    parseResponseError(r),
				RequestID: r.requestID,
			}
		}
		return r, nil
	}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Duration(c.backOff)*time.Millisecond)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithMaxTries(uint(c.retry+1)),
	)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, &APIError{
			Type:   RequestErr,
			Reason: err.Error(),
		}
	}
	return resp, nil
}

func (c *EqClient) push(ctx context.Context, data []byte) (jobID string, e error) {
	resp, err := c.do(ctx, http.MethodPut, "jobs", nil, data)
	if err != nil {
		return "", err
	}
	if resp.code != http.StatusCreated {
		return "", &APIError{
			Type:      ResponseErr,
			Reason:    parseResponseError(resp),
			RequestID: resp.requestID,
		}
	}
	var respData struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp.body, &respData); err != nil {
		return "", &APIError{
			Type:      ResponseErr,
			Reason:    err.Error(),
			RequestID: resp.requestID,
		}
	}
	return respData.JobID, nil
}

func (c *EqClient) reserve(ctx context.Context) (job *Job, e error) {
	return c.getJob(ctx, "jobs", "")
}

func (c *EqClient) peek(ctx context.Context, jobID string) (job *Job, e error) {
	return c.getJob(ctx, path.Join("jobs", jobID), jobID)
}

// getJob returns nil if the server replied 404
func (c *EqClient) getJob(ctx context.Context, relativePath, jobID string) (*Job, error) {
	resp, err := c.do(ctx, http.MethodGet, relativePath, nil, nil)
	if err != nil {
		return nil, err
	}
	switch resp.code {
	case http.StatusOK:
	case http.StatusNotFound:
		if !isPoolNotFound(resp) {
			return nil, nil
		}
		fallthrough
	default:
		return nil, &APIError{
			Type:      ResponseErr,
			Reason:    parseResponseError(resp),
			JobID:     jobID,
			RequestID: resp.requestID,
		}
	}
	job := &Job{}
	if err := json.Unmarshal(resp.body, job); err != nil {
		return nil, &APIError{
			Type:      ResponseErr,
			Reason:    err.Error(),
			JobID:     jobID,
			RequestID: resp.requestID,
		}
	}
	return job, nil
}

func (c *EqClient) release(ctx context.Context, jobID string) (bool, error) {
	return c.changeJob(ctx, http.MethodPut, path.Join("jobs", jobID, "release"), jobID, http.StatusOK)
}

func (c *EqClient) pop(ctx context.Context, jobID string) (bool, error) {
	return c.changeJob(ctx, http.MethodDelete, path.Join("jobs", jobID), jobID, http.StatusNoContent)
}

func (c *EqClient) changeJob(ctx context.Context, method, relativePath, jobID string, okCode int) (bool, error) {
	resp, err := c.do(ctx, method, relativePath, nil, nil)
	if err != nil {
		return false, err
	}
	switch resp.code {
	case okCode:
		return true, nil
	case http.StatusNotFound:
		if !isPoolNotFound(resp) {
			return false, nil
		}
		fallthrough
	default:
		return false, &APIError{
			Type:      ResponseErr,
			Reason:    parseResponseError(resp),
			JobID:     jobID,
			RequestID: resp.requestID,
		}
	}
}

func (c *EqClient) size(ctx context.Context, state string) (int64, error) {
	query := url.Values{}
	if state != "" {
		query.Add("state", state)
	}
	resp, err := c.do(ctx, http.MethodGet, "size", query, nil)
	if err != nil {
		return 0, err
	}
	if resp.code != http.StatusOK {
		return 0, &APIError{
			Type:      ResponseErr,
			Reason:    parseResponseError(resp),
			RequestID: resp.requestID,
		}
	}
	var respData struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal(resp.body, &respData); err != nil {
		return 0, &APIError{
			Type:      ResponseErr,
			Reason:    err.Error(),
			RequestID: resp.requestID,
		}
	}
	return respData.Size, nil
}

// a missing pool is reported with 404 too, it must not look like a missing job
func isPoolNotFound(resp *response) bool {
	var errData struct {
		Error string `json:"error"`
	}
	json.Unmarshal(resp.body, &errData)
	return errData.Error == "pool not found"
}

func parseResponseError(resp *response) string {
	var errData struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.body, &errData); err != nil {
		return fmt.Sprintf("Invalid JSON: %s", err)
	}
	return fmt.Sprintf("[%d]%s", resp.code, errData.Error)
}
