package grid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

// TokenSource supplies a valid grid session token for each request.
type TokenSource interface {
	GetValidToken() (string, error)
}

// Client handles the REST half of the grid contract: listing and creating
// reports and comments, and uploading media. Realtime delivery is handled
// by Stream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     pluginapi.LogService
}

// NewClient creates a grid REST client.
func NewClient(baseURL string, tokens TokenSource, logger pluginapi.LogService) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens: tokens,
		logger: logger,
	}
}

// ListReports fetches the full remote report collection, ordered newest
// first by the grid.
func (c *Client) ListReports() ([]report.Report, error) {
	var resp ReportsResponse
	if err := c.getJSON(fmt.Sprintf("%s/api/v1/reports", c.baseURL), &resp); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	reports := make([]report.Report, 0, len(resp.Reports))
	for i := range resp.Reports {
		reports = append(reports, resp.Reports[i].toReport())
	}

	c.logger.Debug("Fetched report list from grid", "count", len(reports))
	return reports, nil
}

// CreateReport submits a report to the grid. If media is non-nil it is
// uploaded first and the returned public URL replaces the report's
// optimistic media reference before the insert. The create is not retried
// on failure; the caller decides what to do with its local copy.
func (c *Client) CreateReport(r report.Report, media *MediaUpload) (report.Report, error) {
	if media != nil {
		publicURL, err := c.uploadMedia(r.ID, media)
		if err != nil {
			// The report is still worth saving without its attachment.
			c.logger.Warn("Media upload failed, submitting report without attachment", "reportId", r.ID, "error", err.Error())
		} else {
			r.MediaURL = publicURL
			r.MediaType = media.Kind
		}
	}

	body, err := json.Marshal(fromReport(r))
	if err != nil {
		return r, fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := c.postJSON(fmt.Sprintf("%s/api/v1/reports", c.baseURL), body); err != nil {
		return r, fmt.Errorf("failed to create report: %w", err)
	}

	return r, nil
}

// ListComments fetches the comments of one report, ordered by timestamp
// ascending by the grid.
func (c *Client) ListComments(reportID string) ([]report.Comment, error) {
	var resp CommentsResponse
	url := fmt.Sprintf("%s/api/v1/reports/%s/comments", c.baseURL, reportID)
	if err := c.getJSON(url, &resp); err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	comments := make([]report.Comment, 0, len(resp.Comments))
	for i := range resp.Comments {
		comments = append(comments, resp.Comments[i].toComment())
	}

	return comments, nil
}

// AddComment submits a comment to the grid. Not retried on failure.
func (c *Client) AddComment(reportID string, comment report.Comment) error {
	body, err := json.Marshal(fromComment(reportID, comment))
	if err != nil {
		return fmt.Errorf("failed to marshal comment: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/reports/%s/comments", c.baseURL, reportID)
	if err := c.postJSON(url, body); err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}

	return nil
}

// MediaUpload is an evidence attachment pending upload.
type MediaUpload struct {
	Filename string
	Kind     string // "image" or "video"
	Data     io.Reader
}

// uploadMedia pushes a media blob to the grid's storage bucket and returns
// the public URL.
func (c *Client) uploadMedia(reportID string, media *MediaUpload) (string, error) {
	token, err := c.tokens.GetValidToken()
	if err != nil {
		return "", fmt.Errorf("failed to get session token: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", media.Filename)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := io.Copy(part, media.Data); err != nil {
		return "", fmt.Errorf("failed to read media data: %w", err)
	}
	if err := writer.WriteField("report_id", reportID); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	uploadURL := fmt.Sprintf("%s/api/v1/media", c.baseURL)
	req, err := http.NewRequest(http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create media request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Grid %s", token))
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("media request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.decodeError(resp)
	}

	var mediaResp MediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&mediaResp); err != nil {
		return "", fmt.Errorf("failed to parse media response: %w", err)
	}
	if mediaResp.URL == "" {
		return "", fmt.Errorf("media response missing url")
	}

	return mediaResp.URL, nil
}

// getJSON performs an authorized GET and decodes the response into out.
func (c *Client) getJSON(url string, out any) error {
	token, err := c.tokens.GetValidToken()
	if err != nil {
		return fmt.Errorf("failed to get session token: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Grid %s", token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// postJSON performs an authorized POST with a JSON body.
func (c *Client) postJSON(url string, body []byte) error {
	token, err := c.tokens.GetValidToken()
	if err != nil {
		return fmt.Errorf("failed to get session token: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Grid %s", token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.decodeError(resp)
	}

	return nil
}

// decodeError turns a non-success response into a descriptive error.
func (c *Client) decodeError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("authentication error (HTTP 401): %s", apiErr.Error())
		}
		return fmt.Errorf("authentication error (HTTP 401): session invalid or expired")
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded (HTTP 429): too many requests")
	case http.StatusInternalServerError:
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("server error (HTTP 500): %s", apiErr.Error())
		}
		return fmt.Errorf("server error (HTTP 500): grid internal error")
	case http.StatusBadRequest:
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("bad request (HTTP 400): %s", apiErr.Error())
		}
		return fmt.Errorf("bad request (HTTP 400): invalid request parameters")
	default:
		return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
}
