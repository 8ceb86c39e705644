package httpapi

import (
	"github.com/google/uuid"

	"github.com/ludash/controlplane/internal/store"
)

func parseJobID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

// encryptCredentials vault-encrypts any non-empty credential field supplied
// in a create/update request, leaving fields the caller omitted untouched.
func (s *Server) encryptCredentials(h *store.Host, password, privateKey, keyPassword, sudoPassword string) error {
	if password != "" {
		token, err := s.vault.Encrypt([]byte(password))
		if err != nil {
			return err
		}
		h.EncPassword = token
	}
	if privateKey != "" {
		token, err := s.vault.Encrypt([]byte(privateKey))
		if err != nil {
			return err
		}
		h.EncPrivateKey = token
	}
	if keyPassword != "" {
		token, err := s.vault.Encrypt([]byte(keyPassword))
		if err != nil {
			return err
		}
		h.EncKeyPassword = token
	}
	if sudoPassword != "" {
		token, err := s.vault.Encrypt([]byte(sudoPassword))
		if err != nil {
			return err
		}
		h.EncSudoPassword = token
	}
	return nil
}
