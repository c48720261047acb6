package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SupabaseStorage talks to the Supabase Storage REST API with the service
// role key.
type SupabaseStorage struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func NewSupabaseStorage(supabaseURL, serviceKey string) *SupabaseStorage {
	return &SupabaseStorage{
		baseURL:    strings.TrimRight(supabaseURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (s *SupabaseStorage) objectURL(scope, bucket, path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	if scope != "" {
		return fmt.Sprintf("%s/object/%s/%s/%s", s.baseURL, scope, url.PathEscape(bucket), strings.Join(segments, "/"))
	}
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, url.PathEscape(bucket), strings.Join(segments, "/"))
}

// do sends an authenticated request. Responses with status >= 400 are
// closed and returned as errors; ErrObjectNotFound for 404.
func (s *SupabaseStorage) do(req *http.Request, op, path string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, path, err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	// Supabase reports a missing object as 400 with a not_found body on some
	// versions.
	if resp.StatusCode == http.StatusNotFound || strings.Contains(string(body), `"not_found"`) {
		return nil, fmt.Errorf("%s %s: %w", op, path, ErrObjectNotFound)
	}
	return nil, fmt.Errorf("%s %s failed (%d): %s", op, path, resp.StatusCode, strings.TrimSpace(string(body)))
}

// Upload sets x-upsert so a redelivered task overwrites its own clip
// instead of failing on a duplicate key.
func (s *SupabaseStorage) Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL("", bucket, path), data)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.do(req, "upload", path)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *SupabaseStorage) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL("authenticated", bucket, path), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := s.do(req, "download", path)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *SupabaseStorage) Delete(ctx context.Context, bucket, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL("", bucket, path), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	resp, err := s.do(req, "delete", path)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *SupabaseStorage) GetPublicURL(bucket, path string) string {
	return s.objectURL("public", bucket, path)
}
