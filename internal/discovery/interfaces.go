package discovery

import (
	"context"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
)

// Discovery defines the interface for contact discovery mechanisms that
// work outside the radio, such as configuration files
type Discovery interface {
	// FindContacts returns the contacts known to this source
	FindContacts(ctx context.Context) ([]mesh.Contact, error)
}

// Seeder accepts contacts learned out of band. It reports whether the
// contact was new.
type Seeder interface {
	SeedContact(ctx context.Context, c mesh.Contact) (bool, error)
}
