package game

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed action so callers can switch on policy
// instead of matching message text.
type Kind int

const (
	// KindTransport is the catch-all for unclassified 4xx/5xx and network failures.
	KindTransport Kind = iota
	KindCooldown
	KindRateLimited
	KindAlreadyAtDestination
	KindInventoryFull
	KindNoResource
	KindCharacterDead
	KindMonsterNotFound
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindCooldown:
		return "cooldown"
	case KindRateLimited:
		return "rate_limited"
	case KindAlreadyAtDestination:
		return "already_at_destination"
	case KindInventoryFull:
		return "inventory_full"
	case KindNoResource:
		return "no_resource"
	case KindCharacterDead:
		return "character_dead"
	case KindMonsterNotFound:
		return "monster_not_found"
	case KindConfiguration:
		return "configuration"
	default:
		return "transport"
	}
}

// APIError is the typed failure returned by the transport. Remaining is only
// meaningful for KindCooldown, and only when the server message carried a
// parseable duration.
type APIError struct {
	Kind     Kind
	Status   int
	Endpoint string
	Message  string

	Remaining    time.Duration
	HasRemaining bool
}

func (e *APIError) Error() string {
	if e.Kind == KindCooldown && e.HasRemaining {
		return fmt.Sprintf("%s: status=%d endpoint=%s remaining=%s: %s",
			e.Kind, e.Status, e.Endpoint, e.Remaining, e.Message)
	}
	return fmt.Sprintf("%s: status=%d endpoint=%s: %s", e.Kind, e.Status, e.Endpoint, e.Message)
}

// IsKind reports whether err is an *APIError of the given kind.
func IsKind(err error, k Kind) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == k
}

// AsAPIError unwraps err into an *APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	ok := errors.As(err, &ae)
	return ae, ok
}

// Remote status codes with action-level meaning. The server distinguishes
// semantic failures from plain HTTP errors via these codes; everything else
// falls through to KindTransport.
const (
	statusCharacterDead  = 483
	statusAlreadyAt      = 490
	statusInventoryFull  = 497
	statusCooldown       = 499
	statusTargetNotFound = 598
)

// cooldownRe is the single place where server message text is interpreted.
// The remote reports in-cooldown rejections as
// "Character in cooldown: 3.50 seconds left".
var cooldownRe = regexp.MustCompile(`Character in cooldown: ([0-9]+(?:\.[0-9]+)?) seconds left`)

// ParseCooldownSeconds extracts the remaining cooldown from a server error
// message. Returns false when the message does not carry the pattern.
func ParseCooldownSeconds(message string) (float64, bool) {
	m := cooldownRe.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return secs, true
}

// classify maps a failed response to a typed error. 598 means "target not
// found on this map"; whether that is a resource or a monster depends on the
// endpoint that was hit, not on message text.
func classify(status int, endpoint, message string) *APIError {
	e := &APIError{Status: status, Endpoint: endpoint, Message: message, Kind: KindTransport}
	switch status {
	case statusCooldown:
		e.Kind = KindCooldown
		if secs, ok := ParseCooldownSeconds(message); ok {
			e.Remaining = time.Duration(secs * float64(time.Second))
			e.HasRemaining = true
		}
	case 429:
		e.Kind = KindRateLimited
	case statusAlreadyAt:
		e.Kind = KindAlreadyAtDestination
	case statusInventoryFull:
		e.Kind = KindInventoryFull
	case statusCharacterDead:
		e.Kind = KindCharacterDead
	case statusTargetNotFound:
		if strings.HasSuffix(endpoint, endpointSuffixFight) {
			e.Kind = KindMonsterNotFound
		} else {
			e.Kind = KindNoResource
		}
	}
	return e
}
