package session

import "github.com/awnumar/memguard"

// secret keeps a credential encrypted in memory between uses.
type secret struct {
	enclave *memguard.Enclave
}

func newSecret(value string) *secret {
	if value == "" {
		return nil
	}
	// NewEnclave wipes its argument, which here is a private copy.
	return &secret{enclave: memguard.NewEnclave([]byte(value))}
}

// reveal returns a copy of the plaintext, or "" when empty.
func (s *secret) reveal() string {
	if s == nil || s.enclave == nil {
		return ""
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}
