package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const connectionIDKeyPrefixLength = 8

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID(apiKey string, now time.Time) (string, error)
}

type connectionIDProvider struct{}

// NewConnectionIDProvider constructs an IDProvider issuing "<key prefix>-<unix millis>-<random suffix>" identifiers.
func NewConnectionIDProvider() IDProvider {
	return &connectionIDProvider{}
}

func (p *connectionIDProvider) NewID(apiKey string, now time.Time) (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	prefix := apiKey
	if len(prefix) > connectionIDKeyPrefixLength {
		prefix = prefix[:connectionIDKeyPrefixLength]
	}
	suffix := strings.ReplaceAll(value.String(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), suffix), nil
}
