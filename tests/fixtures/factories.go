// Package fixtures provides test data factories.
package fixtures

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/covenant-wallet/covenant/pkg/authid"
	"github.com/covenant-wallet/covenant/pkg/types"
)

// TestApp is an operator application with its plaintext secret, for wiring
// through the app-auth layer in tests.
type TestApp struct {
	ID         uuid.UUID
	Name       string
	Secret     string
	SecretHash string
	Status     string
	CreatedAt  time.Time
}

// NewTestApp creates an active app with a fresh secret.
func NewTestApp() *TestApp {
	secret := "cov_sk_" + RandomHex(16)
	hash, _ := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)

	return &TestApp{
		ID:         uuid.New(),
		Name:       fmt.Sprintf("test-app-%s", uuid.New().String()[:8]),
		Secret:     secret,
		SecretHash: string(hash),
		Status:     types.AppStatusActive,
		CreatedAt:  time.Now(),
	}
}

// NewInactiveApp creates an app that must be refused by app auth.
func NewInactiveApp() *TestApp {
	app := NewTestApp()
	app.Status = types.AppStatusInactive
	return app
}

// NewKeyShareSet creates an active key-share set bound to the given subject.
func NewKeyShareSet(subject string) *types.KeyShareSet {
	return &types.KeyShareSet{
		ID:              uuid.New(),
		TokenID:         "0x" + RandomHex(32),
		PublicKey:       "0x04" + RandomHex(64),
		DerivedAddress:  RandomAddress(),
		AuthorizationID: authid.FromSubject(subject),
		Status:          types.KeyShareSetStatusActive,
		CreatedAt:       time.Now(),
	}
}

// NewAuthorizedSubject creates the origin row for a set and subject.
func NewAuthorizedSubject(setID uuid.UUID, subject string, origin bool) *types.AuthorizedSubject {
	return &types.AuthorizedSubject{
		ID:              uuid.New(),
		KeyShareSetID:   setID,
		AuthorizationID: authid.FromSubject(subject),
		Origin:          origin,
		CreatedAt:       time.Now(),
	}
}

// RandomAddress generates a random Ethereum address.
func RandomAddress() string {
	return "0x" + RandomHex(20)
}

// RandomHex generates n random bytes as hex.
func RandomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Common wei values.
var (
	OneEther   = "1000000000000000000"
	HalfEther  = "500000000000000000"
	OneGwei    = "1000000000"
	TwentyGwei = "20000000000"
)
