package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	supabasestorage "github.com/supabase-community/storage-go"
)

// SupabaseStore uploads artifacts to a Supabase storage bucket and returns
// their public URLs.
type SupabaseStore struct {
	client  *supabasestorage.Client
	bucket  string
	baseURL string
}

// NewSupabaseStore configures the bucket-backed store. serviceKey must be a
// service-role key since uploads bypass row-level security.
func NewSupabaseStore(supabaseURL, serviceKey, bucket string) (*SupabaseStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(supabaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("storage: supabase url is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}
	client := supabasestorage.NewClient(baseURL+"/storage/v1", serviceKey, nil)
	return &SupabaseStore{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
	}, nil
}

// Put uploads the bytes with upsert enabled so a duplicate write from a
// racing completion path replaces rather than fails.
func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	upsert := true
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.UploadFile(s.bucket, cleanKey, bytes.NewReader(data), supabasestorage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload file: %w", err)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, cleanKey), nil
}

var _ ObjectStore = (*SupabaseStore)(nil)
