// Package provider holds the read-only provider summary the search and
// availability layers exchange, plus the messaging-identifier helpers needed
// to contact a provider and hand their contact to a customer.
package provider

import (
	"strings"

	"servimatch.dev/normtext"
)

// Summary is the search and presentation record for one provider. It is
// read-only to the conversation core; writes happen in the onboarding system.
type Summary struct {
	ID          string `json:"id"`
	Phone       string `json:"phone"`                  // messaging JID
	RealPhone   string `json:"real_phone,omitempty"`   // E.164, when Phone is not dialable
	PhoneNumber string `json:"phone_number,omitempty"` // legacy key, kept for old records
	FullName    string `json:"full_name"`
	City        string `json:"city"`
	Profession  string `json:"profession"`
	Services    []string `json:"services,omitempty"`
	Rating      float64  `json:"rating"`
	Experience  int      `json:"experience_years"`
	FacePhotoURL    string `json:"face_photo_url,omitempty"`
	SocialMediaURL  string `json:"social_media_url,omitempty"`
	SocialMediaType string `json:"social_media_type,omitempty"`
	Available bool `json:"available"`
	Verified  bool `json:"verified"`
}

// ContactPhone returns the phone the availability coordinator should message:
// RealPhone when present, else Phone, else the legacy PhoneNumber. Empty means
// the provider is not contactable and must be skipped.
func (s Summary) ContactPhone() string {
	if s.RealPhone != "" {
		return s.RealPhone
	}
	if s.Phone != "" {
		return s.Phone
	}
	return s.PhoneNumber
}

// jidSuffixes are the channel-specific identifier suffixes that may trail a
// phone-shaped JID.
var jidSuffixes = []string{"@c.us", "@s.whatsapp.net", "@lid", "@g.us"}

// NormalizePhone strips channel suffixes and everything but digits, producing
// the key under which a provider is indexed during an availability run.
func NormalizePhone(phone string) string {
	for _, suf := range jidSuffixes {
		phone = strings.TrimSuffix(phone, suf)
	}
	return normtext.Digits(phone)
}

// IsLinkedDevice reports whether the identifier is an @lid-form handle, which
// has no dialable phone behind it.
func IsLinkedDevice(phone string) bool {
	return strings.HasSuffix(phone, "@lid")
}

// ChatLink builds a click-to-chat link for phone. It reports false for
// @lid-form handles and for identifiers with no digits, in which case no link
// should be shown.
func ChatLink(phone string) (string, bool) {
	if IsLinkedDevice(phone) {
		return "", false
	}
	digits := NormalizePhone(phone)
	if digits == "" {
		return "", false
	}
	return "https://wa.me/" + digits, true
}
