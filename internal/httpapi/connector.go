package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/dca-engine/controlplane/internal/exchange"
	"github.com/dca-engine/controlplane/internal/model"
)

// resolveConnector mirrors the (user, venue) -> exchange.Interface lookup
// each leader-side component (Queue Manager, Risk Engine) does independently
// against the Exchange Gateway's connector cache.
func (s *Server) resolveConnector(user *model.User, venue string) (exchange.Interface, error) {
	creds, err := decodeVenueCreds(user.VenueCreds)
	if err != nil {
		return nil, err
	}
	cred, ok := creds[venue]
	if !ok {
		return nil, fmt.Errorf("user %s has no credentials for venue %s", user.ID, venue)
	}
	return s.gateway.Get(venue, cred)
}

func decodeVenueCreds(raw string) (map[string]model.VenueCredential, error) {
	creds := make(map[string]model.VenueCredential)
	if raw == "" {
		return creds, nil
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decode venue_creds: %w", err)
	}
	return creds, nil
}
