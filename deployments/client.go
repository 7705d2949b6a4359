// Package deployments implements the client side of the deployment
// service REST API: polling for work, pushing status, and pushing
// sanitized logs.
package deployments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/Bidon15/otaupdate/internal/merror"
)

const (
	checkUpdatesV2URI = "/api/devices/v2/deployments/device/deployments/next"
	checkUpdatesV1URI = "/api/devices/v1/deployments/device/deployments/next"
	statusURIFormat   = "/api/devices/v1/deployments/device/deployments/%s/status"
	logsURIFormat     = "/api/devices/v1/deployments/device/deployments/%s/log"
)

// Valid deployment status strings the device may report for one
// install; the list is not in lifecycle order.
var validStatuses = []string{
	"installing",
	"pause_before_installing",
	"downloading",
	"pause_before_rebooting",
	"rebooting",
	"pause_before_committing",
	"success",
	"failure",
	"already-installed",
}

// TokenSource supplies (and refreshes) the bearer token the client
// attaches to every request. It stands in for the external
// authentication daemon named in the external-interfaces contract.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Deployment is the subset of the server's deployment JSON the engine
// needs; additional fields come from the artifact itself.
type Deployment struct {
	ID       string `json:"id"`
	Artifact struct {
		Source struct {
			URI    string `json:"uri"`
			Expire string `json:"expire"`
		} `json:"source"`
	} `json:"artifact"`
}

// Client talks to the deployment service.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Tokens     TokenSource
}

// NewClient builds a Client against baseURL using tokens for auth.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{HTTPClient: http.DefaultClient, BaseURL: baseURL, Tokens: tokens}
}

// CheckNewDeployments polls for pending work. It returns (nil, nil)
// when the server has nothing for this device.
func (c *Client) CheckNewDeployments(ctx context.Context, deviceType string, provides map[string]string) (*Deployment, error) {
	body := map[string]any{"device_provides": mergedProvides(deviceType, provides)}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, merror.New(merror.ProgrammingError, "deployments.CheckNewDeployments", err)
	}

	resp, err := c.doAuthed(ctx, http.MethodPost, checkUpdatesV2URI, raw)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeDeployment(resp.Body)
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound:
		return c.checkNewDeploymentsV1(ctx, deviceType, provides["artifact_name"])
	default:
		return nil, unexpectedResponse("deployments.CheckNewDeployments", resp)
	}
}

func (c *Client) checkNewDeploymentsV1(ctx context.Context, deviceType, artifactName string) (*Deployment, error) {
	q := url.Values{}
	q.Set("artifact_name", artifactName)
	q.Set("device_type", deviceType)
	uri := checkUpdatesV1URI + "?" + q.Encode()

	resp, err := c.doAuthed(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeDeployment(resp.Body)
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, unexpectedResponse("deployments.CheckNewDeployments", resp)
	}
}

// PushStatus reports status (and optional substate) for deploymentID.
func (c *Client) PushStatus(ctx context.Context, deploymentID, status, substate string) error {
	if !contains(validStatuses, status) {
		return merror.New(merror.ProgrammingError, "deployments.PushStatus",
			fmt.Errorf("unknown status %q", status))
	}

	body := map[string]string{"status": status}
	if substate != "" {
		body["substate"] = substate
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return merror.New(merror.ProgrammingError, "deployments.PushStatus", err)
	}

	uri := fmt.Sprintf(statusURIFormat, deploymentID)
	resp, err := c.doAuthed(ctx, http.MethodPut, uri, raw)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return merror.New(merror.DeploymentAborted, "deployments.PushStatus", nil)
	default:
		return unexpectedResponse("deployments.PushStatus", resp)
	}
}

// PushLogs streams the sanitized contents of logPath as the deployment
// log for deploymentID.
func (c *Client) PushLogs(ctx context.Context, deploymentID, logPath string) error {
	sanitizedPath, length, err := SanitizeLogFile(logPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(sanitizedPath)
	}()

	f, err := os.Open(sanitizedPath)
	if err != nil {
		return merror.New(merror.ProgrammingError, "deployments.PushLogs", err)
	}
	defer f.Close()

	uri := fmt.Sprintf(logsURIFormat, deploymentID)
	req, err := c.newRequest(ctx, http.MethodPut, uri, f)
	if err != nil {
		return err
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", "application/json")
	// do()'s 401-retry path only replays the body when GetBody is set;
	// without this the retry would replay the already-drained file
	// handle (or none at all) while Content-Length still claims the
	// original size.
	req.GetBody = func() (io.ReadCloser, error) {
		return os.Open(sanitizedPath)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusConflict:
		return merror.New(merror.DeploymentAborted, "deployments.PushLogs", nil)
	default:
		return unexpectedResponse("deployments.PushLogs", resp)
	}
}

func (c *Client) newRequest(ctx context.Context, method, uri string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+uri, body)
	if err != nil {
		return nil, merror.New(merror.ProgrammingError, "deployments.newRequest", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes req exactly like http.Client.Do but retries once after a
// token refresh on 401, per the external-interfaces auth contract.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Tokens != nil {
		token, err := c.Tokens.Token(req.Context())
		if err != nil {
			return nil, merror.New(merror.UnexpectedHttpResponse, "deployments.do", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, merror.New(merror.UnexpectedHttpResponse, "deployments.do", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.Tokens != nil {
		resp.Body.Close()
		if err := c.Tokens.Refresh(req.Context()); err != nil {
			return nil, merror.New(merror.UnexpectedHttpResponse, "deployments.do", err)
		}
		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, merror.New(merror.UnexpectedHttpResponse, "deployments.do", err)
			}
			retry.Body = body
		}
		token, err := c.Tokens.Token(req.Context())
		if err != nil {
			return nil, merror.New(merror.UnexpectedHttpResponse, "deployments.do", err)
		}
		retry.Header.Set("Authorization", "Bearer "+token)
		return c.HTTPClient.Do(retry)
	}

	return resp, nil
}

func (c *Client) doAuthed(ctx context.Context, method, uri string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, method, uri, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return c.do(req)
}

func decodeDeployment(body io.Reader) (*Deployment, error) {
	var d Deployment
	if err := json.NewDecoder(body).Decode(&d); err != nil {
		return nil, merror.New(merror.ParseError, "deployments.decodeDeployment", err)
	}
	return &d, nil
}

func unexpectedResponse(op string, resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &envelope)

	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if envelope.Error != "" {
		msg = fmt.Sprintf("%s: %s", msg, envelope.Error)
	}
	return merror.New(merror.UnexpectedHttpResponse, op, fmt.Errorf("%s", msg))
}

func mergedProvides(deviceType string, provides map[string]string) map[string]string {
	out := make(map[string]string, len(provides)+1)
	for k, v := range provides {
		out[k] = v
	}
	out["device_type"] = deviceType
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
