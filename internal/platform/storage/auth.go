package storage

import (
	"errors"

	"github.com/courseshop/api/internal/platform/auth"
)

var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload lets owners and staff through. An empty ownerID is only readable by staff.
func AuthorizeDownload(identity *auth.Identity, ownerID string) error {
	switch {
	case identity == nil:
		return ErrPermissionDenied
	case ownerID != "" && identity.UID == ownerID:
		return nil
	case identity.HasRole(auth.RoleStaff, auth.RoleAdmin):
		return nil
	}
	return ErrPermissionDenied
}
