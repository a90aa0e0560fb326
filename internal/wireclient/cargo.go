package wireclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"kiln/internal/kilnerr"
	"kiln/internal/workspace"
)

// CargoSave implements POST /cache/cargo/save.
func (c *Client) CargoSave(ctx context.Context, units []workspace.SavedUnit) error {
	body, err := json.Marshal(units)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.CargoSave", err)
	}
	req, err := c.authedRequest(ctx, http.MethodPost, "/api/v1/cache/cargo/save", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.CargoSave", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return kilnerr.New(kilnerr.Internal, "wireclient.CargoSave", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// CargoRestore implements POST /cache/cargo/restore.
func (c *Client) CargoRestore(ctx context.Context, unitHashes []string, hostLibc string) (map[string]workspace.SavedUnit, error) {
	reqBody := map[string]any{"unit_hashes": unitHashes}
	if hostLibc != "" {
		reqBody["host_libc"] = hostLibc
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.CargoRestore", err)
	}

	req, err := c.authedRequest(ctx, http.MethodPost, "/api/v1/cache/cargo/restore", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.CargoRestore", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.CargoRestore", fmt.Errorf("status %d", resp.StatusCode))
	}

	var out map[string]workspace.SavedUnit
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "wireclient.CargoRestore", err)
	}
	return out, nil
}

// CargoReset implements POST /cache/cargo/reset.
func (c *Client) CargoReset(ctx context.Context) error {
	req, err := c.authedRequest(ctx, http.MethodPost, "/api/v1/cache/cargo/reset", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "wireclient.CargoReset", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return kilnerr.New(kilnerr.Internal, "wireclient.CargoReset", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
