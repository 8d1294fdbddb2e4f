package kv

import "fmt"

// Key layout shared with the provider-side ingress. These formats are part of
// the external interface and must not change shape.
const (
	// CatalogKey holds the shared service catalog snapshot.
	CatalogKey = "service_synonyms:catalog"
)

// FlowKey is the conversation flow record for a phone.
func FlowKey(phone string) string { return "flow:" + phone }

// BanKey is the temporary ban record for a phone.
func BanKey(phone string) string { return "ban:" + phone }

// WarningsKey is the content-safety warning counter for a phone.
func WarningsKey(phone string) string { return "warnings:" + phone }

// ProbeKey is the availability probe record for one (request, provider) pair.
func ProbeKey(reqID, phone string) string {
	return fmt.Sprintf("availability:request:%s:provider:%s", reqID, phone)
}

// PendingKey is the list of request ids a provider has outstanding.
func PendingKey(phone string) string {
	return fmt.Sprintf("availability:provider:%s:pending", phone)
}
