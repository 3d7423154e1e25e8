package common

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewClientID generates a unique upstream client ID with the "client_" prefix
// Format: client_<uuid>
func NewClientID() string {
	return "client_" + uuid.New().String()
}

// NewInputFilename generates a unique upload filename that keeps the
// original extension so the engine's loaders recognize the media type.
// Format: input_<uuid><ext>
func NewInputFilename(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	return fmt.Sprintf("input_%s%s", uuid.New().String(), ext)
}

// NewOutputPrefix generates the filename_prefix patched into the workflow
// when the caller does not supply one.
func NewOutputPrefix() string {
	return "swap_" + uuid.New().String()[:8]
}
