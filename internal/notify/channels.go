package notify

import (
	"context"
	"fmt"

	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/vault"
)

// masked is the value read back in place of a provider_config secret field.
const masked = "(stored)"

// Channels wraps store.Store's channel CRUD with the vault
// encrypt-on-write / mask-on-read behavior for provider secrets.
type Channels struct {
	store store.Store
	vault *vault.Vault
}

func NewChannels(st store.Store, v *vault.Vault) *Channels {
	return &Channels{store: st, vault: v}
}

// Create encrypts any secret fields present in c.ProviderConfig before
// persisting, then returns c with those fields masked.
func (c *Channels) Create(ctx context.Context, ch *store.NotificationChannel) (int64, error) {
	if err := c.encryptSecrets(ch); err != nil {
		return 0, err
	}
	id, err := c.store.CreateChannel(ctx, ch)
	if err != nil {
		return 0, err
	}
	c.maskSecrets(ch)
	return id, nil
}

// Update merges ch.ProviderConfig's secret fields with the existing
// encrypted values: a masked placeholder means "leave unchanged", any
// other value means "rotate".
func (c *Channels) Update(ctx context.Context, ch *store.NotificationChannel) error {
	existing, err := c.store.GetChannel(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("load existing channel: %w", err)
	}
	preserved := make(map[string]interface{})
	for _, field := range secretFields[ch.Provider] {
		if v, ok := ch.ProviderConfig[field]; ok && v == masked {
			preserved[field] = existing.ProviderConfig[field]
			delete(ch.ProviderConfig, field)
		}
	}
	if err := c.encryptSecrets(ch); err != nil {
		return err
	}
	for field, v := range preserved {
		ch.ProviderConfig[field] = v
	}
	if err := c.store.UpdateChannel(ctx, ch); err != nil {
		return err
	}
	c.maskSecrets(ch)
	return nil
}

func (c *Channels) Delete(ctx context.Context, id int64) error {
	return c.store.DeleteChannel(ctx, id)
}

// Get returns a channel with provider secrets masked for display.
func (c *Channels) Get(ctx context.Context, id int64) (*store.NotificationChannel, error) {
	ch, err := c.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	c.maskSecrets(ch)
	return ch, nil
}

func (c *Channels) List(ctx context.Context) ([]*store.NotificationChannel, error) {
	chs, err := c.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range chs {
		c.maskSecrets(ch)
	}
	return chs, nil
}

func (c *Channels) encryptSecrets(ch *store.NotificationChannel) error {
	for _, field := range secretFields[ch.Provider] {
		raw, ok := ch.ProviderConfig[field].(string)
		if !ok || raw == "" {
			continue
		}
		token, err := c.vault.Encrypt([]byte(raw))
		if err != nil {
			return fmt.Errorf("encrypt %s.%s: %w", ch.Provider, field, err)
		}
		ch.ProviderConfig[field] = token
	}
	return nil
}

func (c *Channels) maskSecrets(ch *store.NotificationChannel) {
	for _, field := range secretFields[ch.Provider] {
		if _, ok := ch.ProviderConfig[field]; ok {
			ch.ProviderConfig[field] = masked
		}
	}
}

// SendTest dispatches a synthetic payload through the channel's configured
// provider, for the "test" button on the channel editor.
func (c *Channels) SendTest(ctx context.Context, id int64) error {
	ch, err := c.store.GetChannel(ctx, id)
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}
	cfg, err := c.resolvedConfig(ch)
	if err != nil {
		return err
	}
	provider := providerFor(ch.Provider)
	if provider == nil {
		return fmt.Errorf("unknown provider %q", ch.Provider)
	}
	return provider.Send(ctx, cfg, Payload{
		Title: "Test notification",
		Body:  fmt.Sprintf("This is a test of the %q notification channel.", ch.Name),
	})
}

// resolvedConfig returns ch.ProviderConfig with its secret fields decrypted,
// for handing to a Provider.Send call. Never persisted, never logged.
func (c *Channels) resolvedConfig(ch *store.NotificationChannel) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(ch.ProviderConfig))
	for k, v := range ch.ProviderConfig {
		out[k] = v
	}
	for _, field := range secretFields[ch.Provider] {
		token, ok := out[field].(string)
		if !ok || token == "" {
			continue
		}
		plain, err := c.vault.Decrypt(token)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s.%s: %w", ch.Provider, field, err)
		}
		out[field] = string(plain)
	}
	return out, nil
}
