// Package region holds the closed set of login regions and maps each one
// to the authorization server that serves it.
package region

import (
	"errors"
	"fmt"
	"strings"
)

// Region is the normalized label persisted with a state record.
type Region string

const (
	Unspecified Region = "Не выбрано"
	Kazakhstan  Region = "Казахстан"
	UAE         Region = "ОАЭ"
	CIS         Region = "СНГ"
	Other       Region = "Другие страны"
)

const (
	DomainIO  = "dodois.io"
	DomainCOM = "dodois.com"
)

// ErrUnknownRegion is returned for values outside the recognized set.
var ErrUnknownRegion = errors.New("unknown region")

var aliases = map[string]Region{
	"":              Unspecified,
	"unspecified":   Unspecified,
	"не выбрано":    Unspecified,
	"kz":            Kazakhstan,
	"казахстан":     Kazakhstan,
	"ae":            UAE,
	"оаэ":           UAE,
	"оае":           UAE,
	"cis":           CIS,
	"cng":           CIS,
	"снг":           CIS,
	"other":         Other,
	"другие страны": Other,
}

// Normalize maps a user-supplied country/region value onto the closed set.
// Matching is case-insensitive and ignores surrounding whitespace; an empty
// value is Unspecified.
func Normalize(raw string) (Region, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if r, ok := aliases[key]; ok {
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRegion, raw)
}

// Domain returns the authorization-server domain for the region.
func (r Region) Domain() string {
	switch r {
	case UAE, Other:
		return DomainCOM
	default:
		return DomainIO
	}
}

// AuthorizeEndpoint is the identity provider's authorization endpoint.
func (r Region) AuthorizeEndpoint() string {
	return "https://auth." + r.Domain() + "/connect/authorize"
}

// TokenEndpoint is only used to fill oauth2.Endpoint; token exchange
// happens on the backend.
func (r Region) TokenEndpoint() string {
	return "https://auth." + r.Domain() + "/connect/token"
}

func (r Region) String() string {
	return string(r)
}
