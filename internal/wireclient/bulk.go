package wireclient

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"kiln/internal/kilnerr"
)

// BulkEntry is one blob to upload or a blob received from a bulk read.
type BulkEntry struct {
	Key     string
	Content []byte
}

// BulkWriteResult mirrors the server's response shape.
type BulkWriteResult struct {
	Written []string `json:"written"`
	Skipped []string `json:"skipped"`
	Errors  []struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	} `json:"errors"`
}

// BulkWrite tar-frames entries and uploads them in one request.
func (c *Client) BulkWrite(ctx context.Context, entries []BulkEntry) (BulkWriteResult, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: e.Key, Mode: 0o644, Size: int64(len(e.Content))}); err != nil {
			return BulkWriteResult{}, kilnerr.New(kilnerr.Internal, "wireclient.BulkWrite", err)
		}
		if _, err := tw.Write(e.Content); err != nil {
			return BulkWriteResult{}, kilnerr.New(kilnerr.Internal, "wireclient.BulkWrite", err)
		}
	}
	if err := tw.Close(); err != nil {
		return BulkWriteResult{}, kilnerr.New(kilnerr.Internal, "wireclient.BulkWrite", err)
	}

	req, err := c.authedRequest(ctx, http.MethodPost, "/api/v1/cas/bulk/write", &buf)
	if err != nil {
		return BulkWriteResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-tar")

	resp, err := c.http.Do(req)
	if err != nil {
		return BulkWriteResult{}, kilnerr.New(kilnerr.Internal, "wireclient.BulkWrite", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return BulkWriteResult{}, kilnerr.New(kilnerr.Internal, "wireclient.BulkWrite", fmt.Errorf("status %d", resp.StatusCode))
	}

	var result BulkWriteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return BulkWriteResult{}, kilnerr.New(kilnerr.Internal, "wireclient.BulkWrite", err)
	}
	return result, nil
}

// BulkRead fetches a batch of keys, negotiating zstd-compressed inner
// framing when wantCompressed is set (useful when the caller is going to
// store the bytes compressed itself rather than decompress twice).
func (c *Client) BulkRead(ctx context.Context, keys []string, wantCompressed bool) ([]BulkEntry, error) {
	body, err := json.Marshal(map[string][]string{"keys": keys})
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.BulkRead", err)
	}

	req, err := c.authedRequest(ctx, http.MethodPost, "/api/v1/cas/bulk/read", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if wantCompressed {
		req.Header.Set("Accept", "application/x-tar+zstd")
	} else {
		req.Header.Set("Accept", "application/x-tar")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.BulkRead", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.BulkRead", fmt.Errorf("status %d", resp.StatusCode))
	}

	var entries []BulkEntry
	tr := tar.NewReader(resp.Body)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, kilnerr.New(kilnerr.Internal, "wireclient.BulkRead", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, kilnerr.New(kilnerr.Internal, "wireclient.BulkRead", err)
		}
		entries = append(entries, BulkEntry{Key: hdr.Name, Content: content})
	}
	return entries, nil
}
