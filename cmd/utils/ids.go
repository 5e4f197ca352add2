package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const TempIDPrefix = "temp-"

// NewTempID returns an id for a record that exists only until the server
// confirms it, e.g. "temp-post-6f1c...".
func NewTempID(kind string) string {
	return fmt.Sprintf("%s%s-%s", TempIDPrefix, kind, uuid.New().String())
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
