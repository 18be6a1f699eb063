// Package grading provides a client for the homework grading service and the
// types of its wire contract.
//
// Grading is asynchronous. A batch upload returns one submission id per
// accepted file; each submission is then graded in the background and its
// status is polled until it is graded or failed. Correctness-based subjects
// (math, english) and handwriting-neatness grading (chinese) expose separate
// status endpoints.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	// defaultTimeout is the HTTP client timeout for API calls. Batch uploads
	// of many photos can be slow, so it is generous.
	defaultTimeout = 60 * time.Second

	pathBatch       = "/grade/smart-grade-batch"
	pathSubmissions = "/grade/submissions"
	pathConfirm     = "/grade/confirm-standalone"
)

// APIError is a failure reported by the grading service, either through a
// non-2xx status or a success=false envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("grading service error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("grading service error (status %d): %s", e.StatusCode, e.Message)
}

// ServerMessage returns the human-readable message supplied by the server,
// or "" when err does not carry one.
func ServerMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

// Client talks to the grading HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a grading service client. token may be empty when the
// service does not require authentication. A zero timeout selects the default.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// envelope is the common response wrapper of the grading service.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (e *envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return truncate(string(e.Detail), 200)
}

// --- Upload ---

// UploadFile is one file of a batch upload.
type UploadFile struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// SmartGradeBatch uploads all files in one multipart request. fallback is
// sent only when it names a concrete subject; the server uses it when it
// cannot detect the subject from the image.
func (c *Client) SmartGradeBatch(ctx context.Context, files []UploadFile, fallback Subject) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("smart grade batch: no files")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeBatchForm(mw, files, fallback))
	}()

	log.Debug().Int("files", len(files)).Str("fallbackType", string(fallback)).Msg("Uploading grading batch")

	var result BatchResult
	if err := c.do(ctx, http.MethodPost, pathBatch, pr, mw.FormDataContentType(), &result); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("smart grade batch: %w", err)
	}
	log.Info().
		Int("totalSuccess", result.TotalSuccess).
		Int("totalFailed", result.TotalFailed).
		Msg("Grading batch accepted")
	return &result, nil
}

func writeBatchForm(mw *multipart.Writer, files []UploadFile, fallback Subject) error {
	for _, f := range files {
		if err := writeFilePart(mw, f); err != nil {
			return err
		}
	}
	if fallback.Explicit() {
		if err := mw.WriteField("fallback_type", string(fallback)); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, f UploadFile) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// --- Status ---

// Submission returns the status of a correctness-graded submission.
func (c *Client) Submission(ctx context.Context, submissionID int64) (*SubmissionResult, error) {
	var result SubmissionResult
	path := fmt.Sprintf("%s/%d", pathSubmissions, submissionID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &result); err != nil {
		return nil, fmt.Errorf("get submission %d: %w", submissionID, err)
	}
	if result.SubmissionID == 0 {
		result.SubmissionID = submissionID
	}
	return &result, nil
}

// Neatness returns the status of a handwriting-neatness submission.
func (c *Client) Neatness(ctx context.Context, submissionID int64) (*NeatnessStatus, error) {
	var result NeatnessStatus
	path := fmt.Sprintf("%s/%d/neatness", pathSubmissions, submissionID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &result); err != nil {
		return nil, fmt.Errorf("get neatness %d: %w", submissionID, err)
	}
	if result.SubmissionID == 0 {
		result.SubmissionID = submissionID
	}
	return &result, nil
}

// PendingSubmissions lists submissions that have not been confirmed yet.
func (c *Client) PendingSubmissions(ctx context.Context) ([]PendingSubmission, error) {
	var list []PendingSubmission
	if err := c.do(ctx, http.MethodGet, pathSubmissions+"/pending", nil, "", &list); err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	return list, nil
}

// --- Mutations ---

// Confirm persists the final grading of a submission.
func (c *Client) Confirm(ctx context.Context, submissionID int64, results []ConfirmedResult) error {
	if results == nil {
		results = []ConfirmedResult{}
	}
	body := map[string]any{
		"submission_id": submissionID,
		"results":       results,
	}
	if err := c.doJSON(ctx, http.MethodPost, pathConfirm, body); err != nil {
		return fmt.Errorf("confirm submission %d: %w", submissionID, err)
	}
	log.Info().Int64("submissionId", submissionID).Int("results", len(results)).Msg("Submission confirmed")
	return nil
}

// Delete removes a submission on the server.
func (c *Client) Delete(ctx context.Context, submissionID int64) error {
	path := fmt.Sprintf("%s/%d", pathSubmissions, submissionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, "", nil); err != nil {
		return fmt.Errorf("delete submission %d: %w", submissionID, err)
	}
	log.Info().Int64("submissionId", submissionID).Msg("Submission deleted")
	return nil
}

// ChangeType asks the server to re-classify and re-grade a submission.
func (c *Client) ChangeType(ctx context.Context, submissionID int64, subject Subject) error {
	if !subject.Explicit() {
		return fmt.Errorf("change type of submission %d: invalid subject %q", submissionID, subject)
	}
	path := fmt.Sprintf("%s/%d/type", pathSubmissions, submissionID)
	if err := c.doJSON(ctx, http.MethodPatch, path, map[string]any{"homework_type": subject}); err != nil {
		return fmt.Errorf("change type of submission %d: %w", submissionID, err)
	}
	return nil
}

// OverrideNeatness sets the pass/fail verdict of a handwriting submission.
func (c *Client) OverrideNeatness(ctx context.Context, submissionID int64, passed bool) error {
	path := fmt.Sprintf("%s/%d/neatness", pathSubmissions, submissionID)
	if err := c.doJSON(ctx, http.MethodPatch, path, map[string]any{"passed": passed}); err != nil {
		return fmt.Errorf("override neatness of submission %d: %w", submissionID, err)
	}
	return nil
}

// --- Internal helpers ---

func (c *Client) doJSON(ctx context.Context, method, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(data), "application/json", nil)
}

// do sends a request and decodes the envelope's data into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Str("method", method).Str("path", path).Dur("duration", duration).Err(err).Msg("Grading API response")
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	log.Debug().Str("method", method).Str("path", path).Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Grading API response")

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
				return &APIError{StatusCode: httpResp.StatusCode, Message: truncate(string(raw), 200)}
			}
			return fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(raw), 200))
		}
	} else if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		// Empty 2xx bodies (e.g. 204 on delete) count as success.
		env.Success = true
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Message: env.message()}
		log.Warn().Str("method", method).Str("path", path).Int("statusCode", apiErr.StatusCode).Str("errorMessage", apiErr.Message).Msg("Grading API error")
		return apiErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("parse data: %w (body: %s)", err, truncate(string(env.Data), 200))
	}
	return nil
}

// truncate returns at most n bytes of s, appending "..." if truncated. The
// cut never splits a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
