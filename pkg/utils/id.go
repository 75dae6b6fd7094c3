package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenID returns a new message id.
func GenID() string {
	return "m_" + uuid.NewString()
}

// GenConvID returns a new conversation id.
func GenConvID() string {
	return "c_" + uuid.NewString()
}

// MakeSlug derives a URL-friendly slug from a title, suffixed with a short
// fragment of the id so slugs stay unique across same-titled conversations.
func MakeSlug(title, id string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	frag := id
	if i := strings.IndexByte(frag, '_'); i >= 0 {
		frag = frag[i+1:]
	}
	if len(frag) > 8 {
		frag = frag[:8]
	}
	if slug == "" {
		return frag
	}
	return slug + "-" + frag
}
