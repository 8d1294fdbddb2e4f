package dialog

import (
	"fmt"
	"strings"
	"time"

	"servimatch.dev/consent"
	"servimatch.dev/provider"
	"servimatch.dev/transport"
)

// maxListed is how many providers a results list shows at most.
const maxListed = 5

// User-facing copy. Messages are data: handlers pick ids, they never format
// error strings themselves.
const (
	msgInitialPrompt = "Cuéntanos, ¿qué problema o necesidad tienes? " +
		"Describe lo que necesitas resolver (por ejemplo: \"tengo una fuga de agua en el baño\")."

	msgAskCity = "¿En qué ciudad necesitas el servicio?"

	msgSearching = "Perfecto, estamos buscando proveedores disponibles para ti. " +
		"Esto puede tomar un momento..."

	msgNoProviders = "Lo sentimos, por el momento no encontramos proveedores disponibles " +
		"para tu solicitud."

	msgNoConsent = "Entendido. Sin tu autorización no podemos compartir tus datos con " +
		"los proveedores, así que no podemos continuar. Escríbenos cuando cambies de opinión."

	msgNonsense = "No logramos entender tu mensaje. Por favor describe el problema o " +
		"servicio que necesitas con otras palabras."

	msgWarning = "⚠️ Tu mensaje no corresponde a un servicio que podamos atender. " +
		"Si vuelve a ocurrir, tu acceso será suspendido temporalmente."

	msgSessionRestarted = "Tu sesión anterior expiró por inactividad. Empecemos de nuevo."

	msgNewSession = "Listo, empezamos una nueva conversación."

	msgGoodbye = "¡Gracias por usar nuestro servicio! Escríbenos cuando necesites algo más."

	msgTryAgain = "Tuvimos un inconveniente procesando tu solicitud. " +
		"Por favor intenta de nuevo en unos minutos."
)

// consentMessages is the two-message first-contact consent prompt.
func consentMessages() []transport.Message {
	return []transport.Message{
		transport.Text("¡Hola! 👋 Somos un servicio que te conecta con profesionales " +
			"verificados cerca de ti.\nPara ayudarte necesitamos compartir tu número y tu " +
			"solicitud con los proveedores que puedan atenderte."),
		transport.Buttons("¿Nos autorizas a usar tus datos para conectarte con proveedores?\n"+
			"1. "+consent.OptionAcceptLabel+"\n2. "+consent.OptionDeclineLabel,
			consent.OptionAcceptLabel, consent.OptionDeclineLabel),
	}
}

func confirmServiceMessage(candidate string) transport.Message {
	return transport.Buttons(
		fmt.Sprintf("Entendido, necesitas un servicio de *%s*. ¿Es correcto?\n1. Sí\n2. No",
			candidate),
		"Sí", "No")
}

func cityNotRecognizedMessage() transport.Message {
	return transport.Text("No reconocimos esa ciudad. Por favor escribe el nombre de la " +
		"ciudad donde necesitas el servicio.")
}

func banMessage(expiresAt time.Time) transport.Message {
	return transport.Text(fmt.Sprintf(
		"🚫 Tu acceso fue suspendido temporalmente por el contenido de tus mensajes. "+
			"Podrás escribirnos de nuevo a las %s.",
		expiresAt.Local().Format("15:04")))
}

// resultsListMessage renders the accepted providers, at most maxListed, in
// the order they accepted.
func resultsListMessage(providers []provider.Summary) transport.Message {
	n := len(providers)
	if n > maxListed {
		n = maxListed
	}
	var b strings.Builder
	b.WriteString("Estos proveedores están disponibles ahora:\n\n")
	for i := 0; i < n; i++ {
		p := providers[i]
		fmt.Fprintf(&b, "*%d. %s*", i+1, p.FullName)
		if p.Profession != "" {
			fmt.Fprintf(&b, " · %s", p.Profession)
		}
		if p.Rating > 0 {
			fmt.Fprintf(&b, " · ⭐ %.1f", p.Rating)
		}
		if p.Experience > 0 {
			fmt.Fprintf(&b, " · %d años de experiencia", p.Experience)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nResponde con el número (1-%d) para ver más detalles, "+
		"o escribe *0* para una nueva búsqueda.", n)
	return transport.Text(b.String())
}

func providerDetailMessage(p provider.Summary) transport.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", p.FullName)
	if p.Profession != "" {
		fmt.Fprintf(&b, "Profesión: %s\n", p.Profession)
	}
	if len(p.Services) > 0 {
		fmt.Fprintf(&b, "Servicios: %s\n", strings.Join(p.Services, ", "))
	}
	if p.City != "" {
		fmt.Fprintf(&b, "Ciudad: %s\n", p.City)
	}
	if p.Rating > 0 {
		fmt.Fprintf(&b, "Calificación: ⭐ %.1f\n", p.Rating)
	}
	if p.Experience > 0 {
		fmt.Fprintf(&b, "Experiencia: %d años\n", p.Experience)
	}
	b.WriteString("\n1. Contactar a este proveedor\n2. Volver a la lista\n3. Nueva búsqueda")
	return transport.Buttons(b.String(), "Contactar", "Volver", "Nueva búsqueda")
}

func newSearchMenuMessage() transport.Message {
	return transport.Buttons("¿Qué deseas hacer ahora?\n"+
		"1. Buscar otro servicio\n2. Buscar en otra ciudad\n3. Terminar",
		"Otro servicio", "Otra ciudad", "Terminar")
}
