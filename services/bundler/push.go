package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Push uploads a built bundle to the registry API and returns the assigned
// artifact id. The bundle's manifest supplies the model metadata.
func Push(ctx context.Context, cfg PushConfig) (string, error) {
	if cfg.BundlePath == "" {
		return "", errors.New("bundle path is required")
	}
	if cfg.APIBaseURL == "" {
		return "", errors.New("api base url is required")
	}
	if cfg.TenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	data, err := os.ReadFile(cfg.BundlePath)
	if err != nil {
		return "", fmt.Errorf("read bundle: %w", err)
	}

	manifest, err := ReadManifest(data)
	if err != nil {
		return "", fmt.Errorf("inspect bundle: %w", err)
	}

	tags := map[string]any{}
	for k, v := range manifest.Model.Tags {
		tags[k] = v
	}

	metadata := map[string]any{
		"tenant_id": cfg.TenantID,
		"name":      manifest.Model.Name,
		"version":   manifest.Model.Version,
		"framework": manifest.Model.Framework,
		"type":      manifest.Model.Type,
		"tags":      tags,
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("metadata", string(metadataBytes)); err != nil {
		return "", fmt.Errorf("write metadata field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(cfg.BundlePath))
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	url := strings.TrimRight(cfg.APIBaseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var payload struct {
		Artifact struct {
			ID string `json:"id"`
		} `json:"artifact"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if payload.Artifact.ID == "" {
		return "", errors.New("upload response missing artifact id")
	}

	fmt.Fprintf(cfg.Stdout, "uploaded %s %s as artifact %s\n",
		manifest.Model.Name, manifest.Model.Version, payload.Artifact.ID)
	return payload.Artifact.ID, nil
}
