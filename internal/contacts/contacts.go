package contacts

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/terminal-bench/crisisdispatch/pkg/crypto"
)

// ErrConsentRequired rejects contacts that would auto-notify without
// verified consent.
var ErrConsentRequired = errors.New("auto-notify requires consent and verification")

// ErrNotFound is returned for unknown contacts.
var ErrNotFound = errors.New("contact not found")

// Contact is a pre-registered emergency contact. Name, phone, and email are
// stored encrypted; plaintext only exists in memory while notifying.
type Contact struct {
	ID           uuid.UUID
	UserID       string
	Name         EncryptedField
	Phone        EncryptedField
	Email        EncryptedField
	Priority     int // 1 is highest
	Relationship string
	AutoNotify   bool
	CrisisOnly   bool
	HasConsent   bool
	Verified     bool
	// AvailableHours is a free-form schedule hint, e.g. "09:00-17:00".
	AvailableHours string
}

// EncryptedField is ciphertext plus its IV.
type EncryptedField struct {
	Ciphertext []byte
	IV         []byte
}

// ContactInput is the plaintext form used when registering a contact.
type ContactInput struct {
	UserID         string
	Name           string
	Phone          string
	Email          string
	Priority       int
	Relationship   string
	AutoNotify     bool
	CrisisOnly     bool
	HasConsent     bool
	Verified       bool
	AvailableHours string
}

// Repository persists contacts. Nil keeps the book in memory.
type Repository interface {
	SaveContact(ctx context.Context, c *Contact) error
}

// Book holds emergency contacts, encrypted at rest with a service key.
type Book struct {
	cipher *crypto.SessionCipher
	repo   Repository

	mu       sync.RWMutex
	contacts map[string][]*Contact // userID -> contacts
}

// NewBook creates a contact book encrypting with the given service key.
func NewBook(key []byte, repo Repository) (*Book, error) {
	cipher, err := crypto.NewSessionCipher(key)
	if err != nil {
		return nil, err
	}
	return &Book{
		cipher:   cipher,
		repo:     repo,
		contacts: make(map[string][]*Contact),
	}, nil
}

// Add registers a contact, enforcing that auto-notify implies verified
// consent.
func (b *Book) Add(ctx context.Context, in ContactInput) (*Contact, error) {
	if in.AutoNotify && !(in.HasConsent && in.Verified) {
		return nil, ErrConsentRequired
	}

	name, err := b.seal(in.Name)
	if err != nil {
		return nil, err
	}
	phone, err := b.seal(in.Phone)
	if err != nil {
		return nil, err
	}
	email, err := b.seal(in.Email)
	if err != nil {
		return nil, err
	}

	c := &Contact{
		ID:             uuid.New(),
		UserID:         in.UserID,
		Name:           name,
		Phone:          phone,
		Email:          email,
		Priority:       in.Priority,
		Relationship:   in.Relationship,
		AutoNotify:     in.AutoNotify,
		CrisisOnly:     in.CrisisOnly,
		HasConsent:     in.HasConsent,
		Verified:       in.Verified,
		AvailableHours: in.AvailableHours,
	}

	b.mu.Lock()
	b.contacts[in.UserID] = append(b.contacts[in.UserID], c)
	b.mu.Unlock()

	if b.repo != nil {
		if err := b.repo.SaveContact(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Notifiable returns the contacts eligible for automatic notification,
// ordered by priority (1 first).
func (b *Book) Notifiable(userID string) []*Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Contact
	for _, c := range b.contacts[userID] {
		if c.AutoNotify && c.HasConsent && c.Verified {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// DecryptPhone recovers a contact's phone number for delivery.
func (b *Book) DecryptPhone(c *Contact) (string, error) {
	return b.open(c.Phone)
}

// DecryptName recovers a contact's name for message rendering.
func (b *Book) DecryptName(c *Contact) (string, error) {
	return b.open(c.Name)
}

// EncryptMessage seals an outbound notification body.
func (b *Book) EncryptMessage(plaintext string) ([]byte, error) {
	ct, iv, err := b.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

func (b *Book) seal(plaintext string) (EncryptedField, error) {
	ct, iv, err := b.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return EncryptedField{}, err
	}
	return EncryptedField{Ciphertext: ct, IV: iv}, nil
}

func (b *Book) open(f EncryptedField) (string, error) {
	pt, err := b.cipher.Decrypt(f.Ciphertext, f.IV)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
