package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	otpLatestKeyPrefix  = "ovl"
	otpHistoryKeyPrefix = "ovh"
	otpRecordVersion1   = 1
)

var (
	errAttemptNotFound = errors.New("verification attempt not found")
	errAttemptTerminal = errors.New("verification attempt already settled")
	errAttemptMismatch = errors.New("verification attempt id mismatch")
	errLedgerBackend   = errors.New("otp ledger backend unavailable")
)

// otpAttempt is one verification attempt for a (purpose, destination) pair.
type otpAttempt struct {
	AttemptID string
	AccountID string
	Ref       string
	Status    AttemptStatus
	CreatedAt int64
	UpdatedAt int64
}

// otpLedger keeps the latest attempt per (purpose, destination) plus a capped
// history trail. The latest record is the source of truth for confirmation;
// history exists for audit context only.
type otpLedger struct {
	redis        redis.UniversalClient
	historyDepth int
}

func newOtpLedger(redisClient redis.UniversalClient, historyDepth int) *otpLedger {
	return &otpLedger{redis: redisClient, historyDepth: historyDepth}
}

func (l *otpLedger) latestKey(purpose OtpPurpose, destination string) string {
	return otpLatestKeyPrefix + ":" + string(purpose) + ":" + destination
}

func (l *otpLedger) historyKey(purpose OtpPurpose, destination string) string {
	return otpHistoryKeyPrefix + ":" + string(purpose) + ":" + destination
}

// Append records a new pending attempt, displacing any previous latest record
// for the pair. Returns the generated attempt ID.
func (l *otpLedger) Append(
	ctx context.Context,
	purpose OtpPurpose,
	destination, accountID, ref string,
	ttl time.Duration,
) (string, error) {
	now := time.Now().Unix()
	attempt := &otpAttempt{
		AttemptID: uuid.NewString(),
		AccountID: accountID,
		Ref:       ref,
		Status:    AttemptPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	encoded, err := encodeOtpAttempt(attempt)
	if err != nil {
		return "", err
	}

	pipe := l.redis.TxPipeline()
	pipe.Set(ctx, l.latestKey(purpose, destination), encoded, ttl)
	if l.historyDepth > 0 {
		historyKey := l.historyKey(purpose, destination)
		pipe.LPush(ctx, historyKey, encoded)
		pipe.LTrim(ctx, historyKey, 0, int64(l.historyDepth-1))
		pipe.Expire(ctx, historyKey, 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", errLedgerBackend, err)
	}

	return attempt.AttemptID, nil
}

// Latest returns the most recent attempt for the pair. A missing or aged-out
// record reports errAttemptNotFound.
func (l *otpLedger) Latest(ctx context.Context, purpose OtpPurpose, destination string) (*otpAttempt, error) {
	data, err := l.redis.Get(ctx, l.latestKey(purpose, destination)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errAttemptNotFound
		}
		return nil, fmt.Errorf("%w: %v", errLedgerBackend, err)
	}
	return decodeOtpAttempt(data)
}

// UpdateStatus moves the latest attempt to a new status under the pending-only
// transition rule. ttl rewrites the record's remaining lifetime, which lets an
// approval outlive the answer window it was granted in.
func (l *otpLedger) UpdateStatus(
	ctx context.Context,
	purpose OtpPurpose,
	destination, attemptID string,
	to AttemptStatus,
	ttl time.Duration,
) error {
	key := l.latestKey(purpose, destination)

	for i := 0; i < casMaxRetries; i++ {
		err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return errAttemptNotFound
				}
				return err
			}
			attempt, err := decodeOtpAttempt(data)
			if err != nil {
				return err
			}

			if attempt.AttemptID != attemptID {
				return errAttemptMismatch
			}
			if !attempt.Status.canTransition(to) {
				return errAttemptTerminal
			}

			attempt.Status = to
			attempt.UpdatedAt = time.Now().Unix()

			encoded, err := encodeOtpAttempt(attempt)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				if l.historyDepth > 0 {
					historyKey := l.historyKey(purpose, destination)
					pipe.LPush(ctx, historyKey, encoded)
					pipe.LTrim(ctx, historyKey, 0, int64(l.historyDepth-1))
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, errAttemptNotFound),
				errors.Is(err, errAttemptMismatch),
				errors.Is(err, errAttemptTerminal):
				return err
			}
			return fmt.Errorf("%w: %v", errLedgerBackend, err)
		}
		return nil
	}

	return errAttemptTerminal
}

// FreshApproval returns the latest attempt if it was approved within window.
func (l *otpLedger) FreshApproval(
	ctx context.Context,
	purpose OtpPurpose,
	destination string,
	window time.Duration,
) (*otpAttempt, error) {
	attempt, err := l.Latest(ctx, purpose, destination)
	if err != nil {
		return nil, err
	}
	if attempt.Status != AttemptApproved {
		return nil, errAttemptNotFound
	}
	if time.Since(time.Unix(attempt.UpdatedAt, 0)) > window {
		return nil, errAttemptNotFound
	}
	return attempt, nil
}

// Consume removes the latest record once its approval has been spent, so one
// approval cannot authorize two account-level actions.
func (l *otpLedger) Consume(ctx context.Context, purpose OtpPurpose, destination string) error {
	if err := l.redis.Del(ctx, l.latestKey(purpose, destination)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLedgerBackend, err)
	}
	return nil
}

// AttemptCount reports the history trail length for the pair.
func (l *otpLedger) AttemptCount(ctx context.Context, purpose OtpPurpose, destination string) (int64, error) {
	n, err := l.redis.LLen(ctx, l.historyKey(purpose, destination)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", errLedgerBackend, err)
	}
	return n, nil
}

func encodeOtpAttempt(attempt *otpAttempt) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(otpRecordVersion1)
	buf.WriteByte(byte(attempt.Status))

	if err := binary.Write(&buf, binary.BigEndian, attempt.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, attempt.UpdatedAt); err != nil {
		return nil, err
	}

	for _, field := range []string{attempt.AttemptID, attempt.AccountID, attempt.Ref} {
		if len(field) > 65535 {
			return nil, errors.New("otp attempt field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeOtpAttempt(data []byte) (*otpAttempt, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpRecordVersion1 {
		return nil, errors.New("invalid otp attempt version")
	}

	status, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	attempt := &otpAttempt{Status: AttemptStatus(status)}

	if err := binary.Read(reader, binary.BigEndian, &attempt.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &attempt.UpdatedAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{&attempt.AttemptID, &attempt.AccountID, &attempt.Ref} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(reader, value); err != nil {
			return nil, err
		}
		*target = string(value)
	}

	return attempt, nil
}
