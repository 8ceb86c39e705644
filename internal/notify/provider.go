package notify

import "context"

// Provider is the transport contract a notification channel dispatches
// through. Send receives an already-built Payload so providers stay dumb
// about dedup/scheduling policy.
type Provider interface {
	Send(ctx context.Context, cfg map[string]interface{}, payload Payload) error
}

// Registry resolves a channel's provider name to an implementation.
func providerFor(name string) Provider {
	switch name {
	case "email":
		return emailProvider{}
	case "http-push":
		return httpPushProvider{}
	case "webhook-slack":
		return slackProvider{}
	default:
		return nil
	}
}

// secretFields names the provider_config keys that get vault-encrypted on
// write and masked as "(stored)" on read.
var secretFields = map[string][]string{
	"email":         {"pass"},
	"http-push":     {"auth_token"},
	"webhook-slack": {"webhook_url"},
}
