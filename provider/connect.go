package provider

import (
	"context"
	"fmt"
	"strings"

	"servimatch.dev/transport"
)

// Connector builds the handoff message that gives a customer their assigned
// provider's contact.
type Connector struct {
	Photos *PhotoResolver
}

// ConnectionMessage composes the first-acceptor handoff. The text always
// names the provider; the click-to-chat line is omitted for @lid handles, and
// the photo becomes an attachment when a URL could be resolved.
func (c *Connector) ConnectionMessage(ctx context.Context, p Summary) transport.Message {
	var lines []string
	lines = append(lines, fmt.Sprintf("*Proveedor asignado:* %s.", p.FullName))

	photoURL := ""
	if c.Photos != nil {
		photoURL = c.Photos.Resolve(ctx, p.FacePhotoURL)
	}
	if photoURL != "" {
		lines = append(lines, "Te compartimos su foto para que puedas reconocerlo.")
	} else {
		lines = append(lines, "Foto no disponible.")
	}

	contact := p.RealPhone
	if contact == "" {
		contact = p.Phone
	}
	if link, ok := ChatLink(contact); ok {
		lines = append(lines, fmt.Sprintf("Escríbele directamente aquí: %s", link))
	}
	lines = append(lines, "Coordina con el proveedor la hora y el lugar del servicio.")

	text := strings.Join(lines, "\n")
	msg := transport.Message{Response: text}
	if photoURL != "" {
		msg.MediaURL = photoURL
		msg.MediaType = "image"
		msg.MediaCaption = text
	}
	return msg
}
