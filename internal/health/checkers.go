package health

import (
	"context"
	"errors"
)

// Pinger is anything that can probe its backing dependency, such as the
// Postgres call store's connection pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker probes the durable call store. Pass nil when the bridge
// runs on the in-memory store; the check then always passes.
func DatabaseChecker(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if p == nil {
				return nil
			}
			return p.Ping(ctx)
		},
	}
}

// CarrierChecker verifies carrier credentials are configured. It does not
// call the carrier API: readiness probes run often and must stay cheap.
func CarrierChecker(accountSID, authToken string) Checker {
	return Checker{
		Name: "carrier",
		Check: func(context.Context) error {
			if accountSID == "" || authToken == "" {
				return errors.New("carrier credentials not configured")
			}
			return nil
		},
	}
}

// ProviderChecker verifies the realtime provider has an API key configured.
func ProviderChecker(name, apiKey string) Checker {
	return Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if apiKey == "" {
				return errors.New(name + " api key not configured")
			}
			return nil
		},
	}
}
