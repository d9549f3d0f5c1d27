// Package pagination provides opaque keyset page tokens for the admin
// list endpoints. A token pins a position in (created_at DESC, id ASC)
// order, so pages stay stable while new executions keep arriving.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenVersion tags the layout so a format change fails stale clients
// loudly instead of mis-anchoring their next page.
const tokenVersion = "c1"

// ErrInvalidToken is returned for tokens this build cannot decode.
var ErrInvalidToken = errors.New("invalid page token")

// Cursor is a decoded keyset position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Token renders the cursor as an opaque URL-safe string. Unpadded
// encoding keeps it clean in query strings.
func (c Cursor) Token() string {
	raw := fmt.Sprintf("%s|%d|%s", tokenVersion, c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes an opaque page token. Empty input means "first page"
// and yields a nil cursor.
func Parse(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[0] != tokenVersion || parts[2] == "" {
		return nil, ErrInvalidToken
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[2],
	}, nil
}
