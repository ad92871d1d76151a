package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient is the thin HTTP client behind `ando trigger` and `ando cancel`.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) post(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	if out != nil {
		return json.Unmarshal(payload, out)
	}
	return nil
}

func apiTrigger(server, token string, projectID int64, branch string) error {
	client := newAPIClient(server, token)
	var resp struct {
		BuildID int64 `json:"buildId"`
	}
	body := map[string]string{"actor": "cli"}
	if branch != "" {
		body["branch"] = branch
	}
	if err := client.post(fmt.Sprintf("/api/projects/%d/builds", projectID), body, &resp); err != nil {
		return err
	}
	fmt.Printf("queued build %d\n", resp.BuildID)
	return nil
}

func apiCancel(server, token string, buildID int64) error {
	client := newAPIClient(server, token)
	var resp struct {
		Status string `json:"status"`
	}
	if err := client.post(fmt.Sprintf("/api/builds/%d/cancel", buildID), nil, &resp); err != nil {
		return err
	}
	fmt.Printf("build %d: %s\n", buildID, resp.Status)
	return nil
}
