package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	credentialKeyPrefix      = "acr"
	challengeIndexKeyPrefix  = "mci"
	credentialRecordVersion1 = 1
	casMaxRetries            = 4
)

var (
	errCredentialBackend = errors.New("credential store backend unavailable")

	errRefreshMissing  = errors.New("no active refresh credential")
	errRefreshExpired  = errors.New("stored refresh credential expired")
	errRefreshReplaced = errors.New("refresh credential replaced")
	errRefreshRaced    = errors.New("refresh rotation lost race")

	errChallengeMissing  = errors.New("no active challenge")
	errChallengeExpired  = errors.New("challenge expired")
	errChallengeMismatch = errors.New("challenge token mismatch")
	errChallengeUsed     = errors.New("challenge already consumed")

	errResetSpent    = errors.New("reset token missing or spent")
	errResetMismatch = errors.New("reset token mismatch")
)

// credentialRecord is the mutable per-account session state. Identity fields
// stay in the caller's account database; everything that rotates, expires, or
// gets consumed lives here and is only mutated through the CAS loop.
type credentialRecord struct {
	RefreshHash      [32]byte
	RefreshExpiresAt int64
	// Watermark invalidates credentials issued at or before it.
	Watermark int64

	MfaEnabled bool
	MfaMethod  string

	ChallengeHash      [32]byte
	ChallengeExpiresAt int64
	ChallengeMethod    string

	ResetHash      [32]byte
	ResetExpiresAt int64

	BiometricEnabled bool
	BiometricHash    string

	PreferredLogin string
}

var zeroHash [32]byte

func (r *credentialRecord) hasRefresh() bool   { return r.RefreshHash != zeroHash }
func (r *credentialRecord) hasChallenge() bool { return r.ChallengeHash != zeroHash }
func (r *credentialRecord) hasReset() bool     { return r.ResetHash != zeroHash }

func (r *credentialRecord) clearRefresh() {
	r.RefreshHash = zeroHash
	r.RefreshExpiresAt = 0
}

func (r *credentialRecord) clearChallenge() {
	r.ChallengeHash = zeroHash
	r.ChallengeExpiresAt = 0
	r.ChallengeMethod = ""
}

func (r *credentialRecord) clearReset() {
	r.ResetHash = zeroHash
	r.ResetExpiresAt = 0
}

type credentialStore struct {
	redis redis.UniversalClient
}

func newCredentialStore(redisClient redis.UniversalClient) *credentialStore {
	return &credentialStore{redis: redisClient}
}

func (s *credentialStore) key(accountID string) string {
	return credentialKeyPrefix + ":" + accountID
}

// Get returns the record for accountID, or a zero record when none exists yet.
func (s *credentialStore) Get(ctx context.Context, accountID string) (*credentialRecord, error) {
	data, err := s.redis.Get(ctx, s.key(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &credentialRecord{}, nil
		}
		return nil, fmt.Errorf("%w: %v", errCredentialBackend, err)
	}
	return decodeCredentialRecord(data)
}

// update applies fn to the current record under WATCH and writes the result
// back. A concurrent writer forces a re-read and retry. Errors returned by fn
// abort the transaction and surface unchanged.
func (s *credentialStore) update(ctx context.Context, accountID string, fn func(rec *credentialRecord) error) error {
	key := s.key(accountID)

	for i := 0; i < casMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			rec := &credentialRecord{}
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				rec, err = decodeCredentialRecord(data)
				if err != nil {
					return err
				}
			}

			if err := fn(rec); err != nil {
				return err
			}

			encoded, err := encodeCredentialRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return errRefreshRaced
}

// SetRefresh installs a new refresh value unconditionally. Used by sign-in,
// which is allowed to displace any prior session. The watermark stays as it
// is: the new session's credentials postdate it, while anything issued before
// a logout must remain rejected.
func (s *credentialStore) SetRefresh(ctx context.Context, accountID string, hash [32]byte, expiresAt time.Time) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.RefreshHash = hash
		rec.RefreshExpiresAt = expiresAt.Unix()
		return nil
	})
	return s.wrapBackend(err)
}

// RotateRefresh swaps the stored refresh value for a new one if and only if
// the stored value still matches presented. Exactly one of several concurrent
// rotations with the same presented value succeeds.
func (s *credentialStore) RotateRefresh(
	ctx context.Context,
	accountID string,
	presented [32]byte,
	next [32]byte,
	expiresAt time.Time,
) error {
	key := s.key(accountID)
	sawMatch := false

	for i := 0; i < casMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return errRefreshMissing
				}
				return err
			}
			rec, err := decodeCredentialRecord(data)
			if err != nil {
				return err
			}

			if !rec.hasRefresh() {
				return errRefreshMissing
			}
			if time.Now().Unix() > rec.RefreshExpiresAt {
				return errRefreshExpired
			}
			if rec.RefreshHash != presented {
				if sawMatch {
					return errRefreshRaced
				}
				return errRefreshReplaced
			}
			sawMatch = true

			rec.RefreshHash = next
			rec.RefreshExpiresAt = expiresAt.Unix()
			rec.Watermark = 0

			encoded, err := encodeCredentialRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return s.wrapBackend(err)
	}

	return errRefreshRaced
}

// EndSession clears the refresh slot and stamps the logout watermark, cutting
// off credentials issued at or before now.
func (s *credentialStore) EndSession(ctx context.Context, accountID string, now time.Time) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.clearRefresh()
		if ts := now.Unix(); ts > rec.Watermark {
			rec.Watermark = ts
		}
		return nil
	})
	return s.wrapBackend(err)
}

func (s *credentialStore) challengeIndexKey(hash [32]byte) string {
	return challengeIndexKeyPrefix + ":" + fmt.Sprintf("%x", hash)
}

// SetChallenge installs a second-factor challenge, displacing any prior one.
// A token index keyed by the challenge digest lets later calls find the
// account without the caller restating it. A displaced challenge's index entry
// is left to expire; its digest no longer matches the record, so it can only
// resolve to a rejection.
func (s *credentialStore) SetChallenge(
	ctx context.Context,
	accountID string,
	hash [32]byte,
	expiresAt time.Time,
	method string,
) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.ChallengeHash = hash
		rec.ChallengeExpiresAt = expiresAt.Unix()
		rec.ChallengeMethod = method
		return nil
	})
	if err != nil {
		return s.wrapBackend(err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.redis.Set(ctx, s.challengeIndexKey(hash), accountID, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errCredentialBackend, err)
	}
	return nil
}

// ChallengeAccount resolves a challenge digest to its account.
func (s *credentialStore) ChallengeAccount(ctx context.Context, hash [32]byte) (string, error) {
	accountID, err := s.redis.Get(ctx, s.challengeIndexKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errChallengeMissing
		}
		return "", fmt.Errorf("%w: %v", errCredentialBackend, err)
	}
	return accountID, nil
}

// UpdateChallengeMethod switches the delivery method of the live challenge,
// for clients that ask for the code on their other destination.
func (s *credentialStore) UpdateChallengeMethod(ctx context.Context, accountID string, hash [32]byte, method string) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		if !rec.hasChallenge() || rec.ChallengeHash != hash {
			return errChallengeMismatch
		}
		if time.Now().Unix() > rec.ChallengeExpiresAt {
			return errChallengeExpired
		}
		rec.ChallengeMethod = method
		return nil
	})
	return s.wrapBackend(err)
}

// ConsumeChallenge clears the challenge slot if presented matches it. A retry
// that finds the slot emptied after we matched once means a concurrent caller
// consumed it first.
func (s *credentialStore) ConsumeChallenge(ctx context.Context, accountID string, presented [32]byte) (string, error) {
	key := s.key(accountID)
	sawMatch := false
	var method string

	for i := 0; i < casMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return s.challengeGone(sawMatch)
				}
				return err
			}
			rec, err := decodeCredentialRecord(data)
			if err != nil {
				return err
			}

			if !rec.hasChallenge() {
				return s.challengeGone(sawMatch)
			}
			if time.Now().Unix() > rec.ChallengeExpiresAt {
				return errChallengeExpired
			}
			if rec.ChallengeHash != presented {
				if sawMatch {
					return errChallengeUsed
				}
				return errChallengeMismatch
			}
			sawMatch = true
			method = rec.ChallengeMethod

			rec.clearChallenge()
			encoded, err := encodeCredentialRecord(rec)
			if err != nil {
				return err
			}
			// The token index entry is kept until its TTL so a replay of this
			// token resolves to the account and reports already-used instead of
			// looking like a token that never existed.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", s.wrapBackend(err)
		}
		return method, nil
	}

	return "", errChallengeUsed
}

func (s *credentialStore) challengeGone(sawMatch bool) error {
	if sawMatch {
		return errChallengeUsed
	}
	return errChallengeMissing
}

// SetResetToken installs a password-reset token, displacing any prior one.
func (s *credentialStore) SetResetToken(ctx context.Context, accountID string, hash [32]byte, expiresAt time.Time) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.ResetHash = hash
		rec.ResetExpiresAt = expiresAt.Unix()
		return nil
	})
	return s.wrapBackend(err)
}

// ConsumeResetToken clears the reset slot if presented matches it.
func (s *credentialStore) ConsumeResetToken(ctx context.Context, accountID string, presented [32]byte) error {
	key := s.key(accountID)
	sawMatch := false

	for i := 0; i < casMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return errResetSpent
				}
				return err
			}
			rec, err := decodeCredentialRecord(data)
			if err != nil {
				return err
			}

			if !rec.hasReset() || time.Now().Unix() > rec.ResetExpiresAt {
				return errResetSpent
			}
			if rec.ResetHash != presented {
				if sawMatch {
					return errResetSpent
				}
				return errResetMismatch
			}
			sawMatch = true

			rec.clearReset()
			encoded, err := encodeCredentialRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return s.wrapBackend(err)
	}

	return errResetSpent
}

// SetMFA toggles the second-factor requirement. Disabling also clears any
// pending challenge.
func (s *credentialStore) SetMFA(ctx context.Context, accountID string, enabled bool, method string) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.MfaEnabled = enabled
		rec.MfaMethod = method
		if !enabled {
			rec.clearChallenge()
		}
		return nil
	})
	return s.wrapBackend(err)
}

// SetBiometric installs or clears the biometric credential digest.
func (s *credentialStore) SetBiometric(ctx context.Context, accountID string, enabled bool, hash string) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.BiometricEnabled = enabled
		rec.BiometricHash = hash
		return nil
	})
	return s.wrapBackend(err)
}

// SetPreferredLogin records the client's preferred sign-in method.
func (s *credentialStore) SetPreferredLogin(ctx context.Context, accountID string, value string) error {
	err := s.update(ctx, accountID, func(rec *credentialRecord) error {
		rec.PreferredLogin = value
		return nil
	})
	return s.wrapBackend(err)
}

// wrapBackend classifies errors coming out of a CAS loop: store sentinels pass
// through, anything else is a backend fault.
func (s *credentialStore) wrapBackend(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errRefreshMissing),
		errors.Is(err, errRefreshExpired),
		errors.Is(err, errRefreshReplaced),
		errors.Is(err, errRefreshRaced),
		errors.Is(err, errChallengeMissing),
		errors.Is(err, errChallengeExpired),
		errors.Is(err, errChallengeMismatch),
		errors.Is(err, errChallengeUsed),
		errors.Is(err, errResetSpent),
		errors.Is(err, errResetMismatch):
		return err
	}
	return fmt.Errorf("%w: %v", errCredentialBackend, err)
}

const (
	recordFlagMfaEnabled       = 1 << 0
	recordFlagBiometricEnabled = 1 << 1
)

func encodeCredentialRecord(rec *credentialRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(credentialRecordVersion1)

	var flags byte
	if rec.MfaEnabled {
		flags |= recordFlagMfaEnabled
	}
	if rec.BiometricEnabled {
		flags |= recordFlagBiometricEnabled
	}
	buf.WriteByte(flags)

	buf.Write(rec.RefreshHash[:])
	if err := binary.Write(&buf, binary.BigEndian, rec.RefreshExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.Watermark); err != nil {
		return nil, err
	}
	buf.Write(rec.ChallengeHash[:])
	if err := binary.Write(&buf, binary.BigEndian, rec.ChallengeExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(rec.ResetHash[:])
	if err := binary.Write(&buf, binary.BigEndian, rec.ResetExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{rec.MfaMethod, rec.ChallengeMethod, rec.BiometricHash, rec.PreferredLogin} {
		if len(field) > 65535 {
			return nil, errors.New("credential record field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeCredentialRecord(data []byte) (*credentialRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != credentialRecordVersion1 {
		return nil, errors.New("invalid credential record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	rec := &credentialRecord{
		MfaEnabled:       flags&recordFlagMfaEnabled != 0,
		BiometricEnabled: flags&recordFlagBiometricEnabled != 0,
	}

	if _, err := io.ReadFull(reader, rec.RefreshHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.RefreshExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.Watermark); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, rec.ChallengeHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ChallengeExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, rec.ResetHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ResetExpiresAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{&rec.MfaMethod, &rec.ChallengeMethod, &rec.BiometricHash, &rec.PreferredLogin} {
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

	return rec, nil
}
