// Package onboarding queues the one-off texts around registration: the
// welcome to an unknown sender, phone verification codes, and the account
// welcome. Each is a dispatch job that fires immediately.
package onboarding

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"alarmaway/internal/delivery"
	"alarmaway/internal/domain"
	"alarmaway/internal/task/queue"
	logx "alarmaway/pkg/logx"
)

type Jobs interface {
	Submit(ctx context.Context, req queue.Request) (string, error)
}

type Ledger interface {
	Create(ctx context.Context, t domain.Ticket) (domain.Ticket, error)
}

type Config struct {
	// Grace is how long an onboarding text may wait before it is dropped.
	Grace time.Duration
}

type Service struct {
	cfg    Config
	jobs   Jobs
	ledger Ledger
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, jobs Jobs, ledger Ledger, log logx.Logger) *Service {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, jobs: jobs, ledger: ledger, log: log.With(logx.String("comp", "onboarding")), now: time.Now}
}

// WelcomeSender texts registration instructions to an unknown number.
func (s *Service) WelcomeSender(ctx context.Context, number string) error {
	_, _, err := s.submit(ctx, delivery.KindSenderWelcome, delivery.SenderWelcomePayload{Number: number})
	if err != nil {
		return err
	}
	s.log.Info("sender welcome queued", logx.String("number", number))
	return nil
}

// SendVerification texts a fresh 6-digit code to phone and returns it.
func (s *Service) SendVerification(ctx context.Context, phone domain.Phone) (string, error) {
	code, err := newCode()
	if err != nil {
		return "", err
	}
	jobID, fire, err := s.submit(ctx, delivery.KindPhoneVerify, delivery.VerifyPayload{PhoneID: phone.ID, Code: code})
	if err != nil {
		return "", err
	}
	if _, err := s.ledger.Create(ctx, domain.Ticket{
		PhoneID: phone.ID, JobID: jobID, Kind: delivery.KindPhoneVerify,
		FireAt: fire, ExpiresAt: fire.Add(s.cfg.Grace),
	}); err != nil {
		return "", err
	}
	s.log.Info("verification queued", logx.String("phone_id", phone.ID))
	return code, nil
}

// WelcomeUser texts the account welcome to the user's first phone.
func (s *Service) WelcomeUser(ctx context.Context, user domain.User, phone domain.Phone) error {
	jobID, fire, err := s.submit(ctx, delivery.KindUserWelcome, delivery.UserWelcomePayload{UserID: user.ID, PhoneID: phone.ID})
	if err != nil {
		return err
	}
	_, err = s.ledger.Create(ctx, domain.Ticket{
		UserID: user.ID, JobID: jobID, Kind: delivery.KindUserWelcome,
		FireAt: fire, ExpiresAt: fire.Add(s.cfg.Grace),
	})
	return err
}

func (s *Service) submit(ctx context.Context, kind string, payload any) (string, time.Time, error) {
	fire := s.now()
	id, err := s.jobs.Submit(ctx, queue.Request{Kind: kind, Payload: payload, FireAt: fire, ExpiresAt: fire.Add(s.cfg.Grace)})
	if err != nil {
		return "", fire, fmt.Errorf("queue %s: %w", kind, err)
	}
	return id, fire, nil
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
