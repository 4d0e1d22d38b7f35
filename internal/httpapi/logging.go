package httpapi

import (
	"github.com/rs/zerolog"
)

// zlog defaults to a no-op logger so handlers stay quiet beyond the
// metrics middleware until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

func logEvent() *zerolog.Event {
	return zlog.Info()
}
