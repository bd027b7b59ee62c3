package iac

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloudwarden/cloudwarden/pkg/secrets"
)

const (
	// mfaWindow is the rolling validity of one successful verification.
	mfaWindow = 15 * time.Minute

	backupCodeCount = 10
)

var (
	// ErrMFANotEnrolled marks operators without an MFA enrollment.
	ErrMFANotEnrolled = errors.New("operator has no mfa enrollment")

	// ErrMFACodeRejected marks a failed verification attempt.
	ErrMFACodeRejected = errors.New("mfa code rejected")
)

// Enrollment is the at-rest MFA state for one operator. The TOTP secret is
// never stored in plaintext.
type Enrollment struct {
	OperatorID      string
	EncryptedSecret string
	// BackupCodeHashes are bcrypt hashes; a used code's hash is removed.
	BackupCodeHashes []string
	EnrolledAt       time.Time
}

// SetupResult is returned once at enrollment time. The secret and backup
// codes are shown to the operator and never again.
type SetupResult struct {
	Secret      string
	BackupCodes []string
}

// MFA manages operator enrollments and verification state.
type MFA struct {
	cipher *secrets.Cipher
	clock  func() time.Time

	mu          sync.Mutex
	enrollments map[string]*Enrollment
	// verifiedAt holds the last successful verification per operator,
	// swept once a minute.
	verifiedAt map[string]time.Time
	// attested marks operators whose enrollment is vouched for by a
	// signed session token rather than local state. Swept together with
	// verifiedAt.
	attested map[string]bool

	stopped chan struct{}
	once    sync.Once
}

// NewMFA builds the MFA manager over a secret cipher.
func NewMFA(cipher *secrets.Cipher) *MFA {
	return &MFA{
		cipher:      cipher,
		clock:       time.Now,
		enrollments: make(map[string]*Enrollment),
		verifiedAt:  make(map[string]time.Time),
		attested:    make(map[string]bool),
		stopped:     make(chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MFA) WithClock(clock func() time.Time) *MFA {
	m.clock = clock
	return m
}

// Setup enrolls the operator: a fresh TOTP secret encrypted at rest plus
// one-time backup codes whose hashes alone are stored.
func (m *MFA) Setup(_ context.Context, operatorID string) (*SetupResult, error) {
	secret, err := generateTOTPSecret()
	if err != nil {
		return nil, err
	}
	encrypted, err := m.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting totp secret: %w", err)
	}

	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}

	m.mu.Lock()
	m.enrollments[operatorID] = &Enrollment{
		OperatorID:       operatorID,
		EncryptedSecret:  encrypted,
		BackupCodeHashes: hashes,
		EnrolledAt:       m.clock(),
	}
	delete(m.verifiedAt, operatorID)
	delete(m.attested, operatorID)
	m.mu.Unlock()

	return &SetupResult{Secret: secret, BackupCodes: codes}, nil
}

// Enrolled reports whether the operator has MFA set up, locally or via a
// session attestation.
func (m *MFA) Enrolled(operatorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[operatorID]; ok {
		return true
	}
	return m.attested[operatorID]
}

// RecordVerification adopts a verification attested by a signed session
// token. The rolling window runs from the attested instant, so a stale
// claim expires exactly as a local verification would.
func (m *MFA) RecordVerification(operatorID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attested[operatorID] = true
	m.verifiedAt[operatorID] = at
}

// Verify accepts a TOTP code with one step of skew, or an unused backup
// code. A consumed backup code is invalidated immediately. Success starts
// the rolling verification window.
func (m *MFA) Verify(_ context.Context, operatorID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	enr, ok := m.enrollments[operatorID]
	if !ok {
		return ErrMFANotEnrolled
	}

	secret, err := m.cipher.Decrypt(enr.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("decrypting totp secret: %w", err)
	}

	now := m.clock()
	if verifyTOTP(secret, strings.TrimSpace(code), now) {
		m.verifiedAt[operatorID] = now
		return nil
	}

	for i, hash := range enr.BackupCodeHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			enr.BackupCodeHashes = append(enr.BackupCodeHashes[:i], enr.BackupCodeHashes[i+1:]...)
			m.verifiedAt[operatorID] = now
			return nil
		}
	}
	return ErrMFACodeRejected
}

// Verified reports whether the operator's last successful verification is
// inside the rolling window.
func (m *MFA) Verified(operatorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.verifiedAt[operatorID]
	return ok && m.clock().Sub(at) <= mfaWindow
}

// Sweep drops verification records outside the window.
func (m *MFA) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for id, at := range m.verifiedAt {
		if now.Sub(at) > mfaWindow {
			delete(m.verifiedAt, id)
			delete(m.attested, id)
		}
	}
}

// StartSweeper sweeps expired verifications every minute until the
// context ends.
func (m *MFA) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopped:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Close stops the background sweeper.
func (m *MFA) Close() {
	m.once.Do(func() { close(m.stopped) })
}

func generateBackupCode() (string, error) {
	raw := make([]byte, 5)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating backup code: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
