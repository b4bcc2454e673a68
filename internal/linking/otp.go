package linking

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
)

// GenerateCode produces a six-digit challenge code from crypto/rand.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Messenger delivers a challenge code to the patient out of band, on a
// channel the confirm call never travels.
type Messenger interface {
	SendCode(ctx context.Context, phone, code string) error
}

// LogMessenger stands in for an SMS provider in the sandbox: the code is
// written to the log so a tester can read it off and confirm.
type LogMessenger struct {
	Logger *slog.Logger
}

func (m LogMessenger) SendCode(_ context.Context, phone, code string) error {
	m.Logger.Info("otp dispatched", "phone", MaskPhone(phone), "code", code)
	return nil
}

// MaskPhone hides all but the last four digits of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
