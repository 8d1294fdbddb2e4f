package provider

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ObjectStore issues URLs for stored provider photos. The storage driver
// itself is an external collaborator.
type ObjectStore interface {
	// SignedURL returns a time-limited URL for the object at path.
	SignedURL(ctx context.Context, bucket, path string, expiry time.Duration) (string, error)
	// PublicURL returns the public URL for the object at path.
	PublicURL(ctx context.Context, bucket, path string) (string, error)
}

// DefaultPhotoExpiry is how long a signed photo URL stays valid.
const DefaultPhotoExpiry = 6 * time.Hour

// PhotoResolver turns the raw face_photo_url column value into a URL a
// messaging channel can fetch. The fallback chain is signed URL, then public
// URL, then a manually constructed public-object URL; only after all three
// fail is the photo omitted.
type PhotoResolver struct {
	Store   ObjectStore
	BaseURL string // storage endpoint base, e.g. https://x.supabase.co
	Bucket  string
	Expiry  time.Duration // defaults to DefaultPhotoExpiry
}

// pathMarkers are the recognized storage path shapes inside raw photo values.
// The marker's trailing segment is the object path within the bucket.
var pathMarkers = []string{
	"storage/v1/object/public/",
	"storage/v1/object/sign/",
	"admin/providers/image/",
}

// objectPath extracts the in-bucket object path from raw, if raw contains one
// of the recognized storage markers. A bare relative value ("faces/abc.jpg")
// is returned as-is.
func (r *PhotoResolver) objectPath(raw string) (string, bool) {
	for _, marker := range pathMarkers {
		i := strings.Index(raw, marker)
		if i < 0 {
			continue
		}
		rest := raw[i+len(marker):]
		if strings.HasPrefix(marker, "storage/v1/object/") {
			// The bucket name follows the marker; drop it.
			rest = strings.TrimPrefix(rest, r.Bucket+"/")
		}
		// Signed URLs carry a token query string.
		if q := strings.IndexByte(rest, '?'); q >= 0 {
			rest = rest[:q]
		}
		return rest, rest != ""
	}
	if raw != "" && !strings.Contains(raw, "://") {
		return raw, true
	}
	return "", false
}

// Resolve returns a fetchable URL for the raw photo value, or "" when no URL
// could be produced. Absolute URLs outside the recognized storage shapes pass
// through untouched.
func (r *PhotoResolver) Resolve(ctx context.Context, raw string) string {
	if raw == "" {
		return ""
	}
	path, ok := r.objectPath(raw)
	if !ok {
		// Unrecognized absolute URL; trust it as-is.
		return raw
	}
	expiry := r.Expiry
	if expiry <= 0 {
		expiry = DefaultPhotoExpiry
	}
	if r.Store != nil {
		if url, err := r.Store.SignedURL(ctx, r.Bucket, path, expiry); err == nil && url != "" {
			return url
		} else if err != nil {
			slog.DebugContext(ctx, "signed photo URL failed, trying public", "error", err)
		}
		if url, err := r.Store.PublicURL(ctx, r.Bucket, path); err == nil && url != "" {
			return url
		} else if err != nil {
			slog.DebugContext(ctx, "public photo URL failed, constructing", "error", err)
		}
	}
	if r.BaseURL != "" {
		return strings.TrimSuffix(r.BaseURL, "/") + "/storage/v1/object/public/" + r.Bucket + "/" + path
	}
	return ""
}
