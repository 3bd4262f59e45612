package envutil

import (
	"os"
	"strings"
)

// IsDev checks if we're running in development mode, where a plain-http
// backend URL and disabled TLS verification are accepted without warnings.
func IsDev() bool {
	env := strings.ToLower(os.Getenv("AUTHRELAY_ENV"))
	return env == "development" || env == "dev"
}
