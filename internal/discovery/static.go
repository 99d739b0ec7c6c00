package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/sirupsen/logrus"
)

// Entry is one statically configured contact
type Entry struct {
	Name      string
	PublicKey string // hex
}

// StaticDiscovery implements Discovery using a fixed contact list
type StaticDiscovery struct {
	entries []Entry
}

// NewStaticDiscovery creates a new static discovery source with the given entries
func NewStaticDiscovery(entries []Entry) *StaticDiscovery {
	return &StaticDiscovery{
		entries: entries,
	}
}

// FindContacts converts the entries into contacts. Duplicate keys keep the
// first name given.
func (s *StaticDiscovery) FindContacts(ctx context.Context) ([]mesh.Contact, error) {
	contacts := make([]mesh.Contact, 0, len(s.entries))
	seen := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodeID := strings.ToLower(strings.TrimSpace(e.PublicKey))
		pub, err := mesh.ParseNodeID(nodeID)
		if err != nil {
			return nil, fmt.Errorf("contact %q: %w", e.Name, err)
		}
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		contacts = append(contacts, mesh.Contact{
			NodeID:    nodeID,
			Name:      strings.TrimSpace(e.Name),
			PublicKey: pub,
		})
	}
	return contacts, nil
}

// Seed loads every contact from d into s and returns how many were new.
// Contacts the seeder already knows take the configured name.
func Seed(ctx context.Context, d Discovery, s Seeder, logger logrus.FieldLogger) (int, error) {
	logger = logging.Component(logger, "discovery")

	contacts, err := d.FindContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to discover contacts: %w", err)
	}

	created := 0
	for _, c := range contacts {
		isNew, err := s.SeedContact(ctx, c)
		if err != nil {
			return created, fmt.Errorf("failed to seed contact %s: %w", c.DisplayName(), err)
		}
		if isNew {
			created++
			logger.WithField("contact", c.DisplayName()).Debug("Seeded contact")
		}
	}
	logger.WithFields(logrus.Fields{
		"found":   len(contacts),
		"created": created,
	}).Info("Static contacts loaded")
	return created, nil
}
