// Package ctl implements the modelcachectl command tree: a thin client for
// the modelcached HTTP API.
package ctl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"modelcached/pkg/types"
)

// Client talks to one modelcached server.
type Client struct {
	Server string
	HTTP   *http.Client
	Out    io.Writer
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.Server, "/") + path
}

func (c *Client) decodeError(resp *http.Response) error {
	var er types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
		return fmt.Errorf("server: %s (status %d)", er.Error, resp.StatusCode)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

// ListModels prints the local records known to the server.
func (c *Client) ListModels() error {
	resp, err := c.HTTP.Get(c.url("/v1/models"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	var mr types.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(mr.Models) == 0 {
		fmt.Fprintln(c.Out, "no models downloaded")
		return nil
	}
	for _, m := range mr.Models {
		fmt.Fprintf(c.Out, "%s\t%d bytes\t%s\t%s\n", m.Name, m.SizeBytes,
			m.DownloadedAt.Format(time.RFC3339), m.FilePath)
	}
	return nil
}

// DeleteModel removes a model on the server. Idempotent.
func (c *Client) DeleteModel(name string) error {
	req, err := http.NewRequest(http.MethodDelete, c.url("/v1/models/"+name), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return c.decodeError(resp)
	}
	fmt.Fprintf(c.Out, "deleted %s\n", name)
	return nil
}

// Status prints the server's operational counters.
func (c *Client) Status() error {
	resp, err := c.HTTP.Get(c.url("/status"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(c.Out, "models: %d (%d bytes)\n", st.ModelCount, st.TotalSizeBytes)
	fmt.Fprintf(c.Out, "inflight downloads: %d\n", st.InflightDownloads)
	fmt.Fprintf(c.Out, "downloads: %d ok, %d failed\n", st.DownloadsTotal, st.DownloadFailuresTotal)
	fmt.Fprintf(c.Out, "uptime: %ds\n", st.UptimeSeconds)
	return nil
}

// GetModel requests a model, rendering the NDJSON progress stream as a
// percentage line and returning an error when the terminal event is one.
func (c *Client) GetModel(name, downloadType string, allowCellular bool) error {
	body, err := json.Marshal(types.DownloadRequest{
		DownloadType:  downloadType,
		AllowCellular: allowCellular,
	})
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Post(c.url("/v1/models/"+name+"/download"), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev types.ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return fmt.Errorf("bad stream line: %w", err)
		}
		switch ev.Event {
		case "progress":
			fmt.Fprintf(c.Out, "\r%s: %3.0f%%", name, ev.Fraction*100)
		case "complete":
			fmt.Fprintf(c.Out, "\r%s: done (%d bytes) -> %s\n", name, ev.Model.SizeBytes, ev.Model.FilePath)
			return nil
		case "error":
			fmt.Fprintln(c.Out)
			return fmt.Errorf("download failed: %s (status %d)", ev.Error, ev.Code)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without a terminal event")
}
