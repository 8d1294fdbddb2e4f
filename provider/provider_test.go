package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestContactPhone(t *testing.T) {
	tests := []struct {
		name string
		s    Summary
		want string
	}{
		{"real phone wins", Summary{RealPhone: "+593987654321", Phone: "12345@lid"}, "+593987654321"},
		{"phone next", Summary{Phone: "593999000001@c.us"}, "593999000001@c.us"},
		{"legacy key last", Summary{PhoneNumber: "+593911111111"}, "+593911111111"},
		{"nothing", Summary{}, ""},
	}
	for _, tt := range tests {
		if got := tt.s.ContactPhone(); got != tt.want {
			t.Errorf("%s: ContactPhone() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"593999000001@c.us", "593999000001"},
		{"593999000001@s.whatsapp.net", "593999000001"},
		{"+593 99 900-0001", "593999000001"},
		{"98765@lid", "98765"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatLink(t *testing.T) {
	link, ok := ChatLink("+593987654321")
	if !ok || link != "https://wa.me/593987654321" {
		t.Errorf("ChatLink = %q, %v", link, ok)
	}
	link, ok = ChatLink("593999000001@c.us")
	if !ok || link != "https://wa.me/593999000001" {
		t.Errorf("ChatLink(@c.us) = %q, %v", link, ok)
	}
	if _, ok := ChatLink("98765@lid"); ok {
		t.Error("@lid handle must not produce a link")
	}
	if _, ok := ChatLink(""); ok {
		t.Error("empty phone must not produce a link")
	}
}

type fakeStore struct {
	signedErr error
	publicErr error
	signed    string
	public    string

	signedPath string
}

func (f *fakeStore) SignedURL(ctx context.Context, bucket, path string, expiry time.Duration) (string, error) {
	f.signedPath = path
	return f.signed, f.signedErr
}

func (f *fakeStore) PublicURL(ctx context.Context, bucket, path string) (string, error) {
	return f.public, f.publicErr
}

func TestPhotoResolverChain(t *testing.T) {
	ctx := context.Background()

	t.Run("signed URL preferred", func(t *testing.T) {
		store := &fakeStore{signed: "https://cdn/signed/abc"}
		r := &PhotoResolver{Store: store, Bucket: "faces", BaseURL: "https://x.example.com"}
		got := r.Resolve(ctx, "faces/abc.jpg")
		if got != "https://cdn/signed/abc" {
			t.Errorf("Resolve = %q", got)
		}
		if store.signedPath != "faces/abc.jpg" {
			t.Errorf("signed path = %q", store.signedPath)
		}
	})

	t.Run("falls back to public", func(t *testing.T) {
		store := &fakeStore{signedErr: errors.New("nope"), public: "https://cdn/public/abc"}
		r := &PhotoResolver{Store: store, Bucket: "faces"}
		if got := r.Resolve(ctx, "faces/abc.jpg"); got != "https://cdn/public/abc" {
			t.Errorf("Resolve = %q", got)
		}
	})

	t.Run("constructs URL last", func(t *testing.T) {
		store := &fakeStore{signedErr: errors.New("nope"), publicErr: errors.New("nope")}
		r := &PhotoResolver{Store: store, Bucket: "faces", BaseURL: "https://x.example.com/"}
		want := "https://x.example.com/storage/v1/object/public/faces/abc.jpg"
		if got := r.Resolve(ctx, "abc.jpg"); got != want {
			t.Errorf("Resolve = %q, want %q", got, want)
		}
	})

	t.Run("empty when everything fails", func(t *testing.T) {
		store := &fakeStore{signedErr: errors.New("nope"), publicErr: errors.New("nope")}
		r := &PhotoResolver{Store: store, Bucket: "faces"}
		if got := r.Resolve(ctx, "abc.jpg"); got != "" {
			t.Errorf("Resolve = %q, want empty", got)
		}
	})

	t.Run("extracts marker paths", func(t *testing.T) {
		store := &fakeStore{signed: "https://cdn/signed/x"}
		r := &PhotoResolver{Store: store, Bucket: "faces"}
		r.Resolve(ctx, "https://x.example.com/storage/v1/object/public/faces/sub/pic.jpg")
		if store.signedPath != "sub/pic.jpg" {
			t.Errorf("marker path = %q, want sub/pic.jpg", store.signedPath)
		}
		r.Resolve(ctx, "https://x.example.com/storage/v1/object/sign/faces/pic2.jpg?token=zzz")
		if store.signedPath != "pic2.jpg" {
			t.Errorf("signed marker path = %q, want pic2.jpg", store.signedPath)
		}
		r.Resolve(ctx, "https://ops.example.com/admin/providers/image/pic3.jpg")
		if store.signedPath != "pic3.jpg" {
			t.Errorf("admin marker path = %q, want pic3.jpg", store.signedPath)
		}
	})

	t.Run("foreign absolute URL passes through", func(t *testing.T) {
		r := &PhotoResolver{}
		raw := "https://pbs.example.com/avatar.png"
		if got := r.Resolve(ctx, raw); got != raw {
			t.Errorf("Resolve = %q, want passthrough", got)
		}
	})
}

func TestConnectionMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("with photo and link", func(t *testing.T) {
		store := &fakeStore{signed: "https://cdn/signed/ana"}
		c := &Connector{Photos: &PhotoResolver{Store: store, Bucket: "faces"}}
		msg := c.ConnectionMessage(ctx, Summary{
			ID:           "p1",
			FullName:     "Ana",
			RealPhone:    "+593987654321",
			FacePhotoURL: "faces/abc.jpg",
		})
		if !strings.Contains(msg.Response, "Ana") {
			t.Errorf("missing name: %q", msg.Response)
		}
		if !strings.Contains(msg.Response, "https://wa.me/593987654321") {
			t.Errorf("missing chat link: %q", msg.Response)
		}
		if msg.MediaType != "image" || msg.MediaURL != "https://cdn/signed/ana" {
			t.Errorf("media = %q %q", msg.MediaType, msg.MediaURL)
		}
		if msg.MediaCaption != msg.Response {
			t.Error("caption should repeat the text")
		}
	})

	t.Run("lid handle gets no link", func(t *testing.T) {
		c := &Connector{}
		msg := c.ConnectionMessage(ctx, Summary{FullName: "Luis", Phone: "98765@lid"})
		if strings.Contains(msg.Response, "wa.me") {
			t.Errorf("unexpected link for @lid: %q", msg.Response)
		}
		if !strings.Contains(msg.Response, "Foto no disponible") {
			t.Errorf("missing photo-unavailable line: %q", msg.Response)
		}
		if msg.MediaURL != "" {
			t.Errorf("unexpected media: %q", msg.MediaURL)
		}
	})
}
