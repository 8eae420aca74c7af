package file

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const (
	// PairingTTL is how long a pending request stays valid.
	PairingTTL = 2 * time.Hour
	// PairingPendingCap bounds pending requests per channel; new requests
	// are dropped (soft failure) when the cap is reached.
	PairingPendingCap = 3
	pairingCodeLength = 8
)

// pairingFile is the on-disk shape of a channel's pairing store.
type pairingFile struct {
	Version  int                    `json:"version"`
	Requests []store.PairingRequest `json:"requests"`
}

// PairingStore persists pending pairing requests at
// <stateDir>/oauth/<channel>-pairing.json and promotes approved senders into
// the allowFrom store.
type PairingStore struct {
	dir       string
	allowFrom *AllowFromStore
	locks     fileLocks
	now       func() time.Time
}

// NewPairingStore creates a pairing store rooted at stateDir. Approvals are
// written through to allowFrom.
func NewPairingStore(stateDir string, allowFrom *AllowFromStore) *PairingStore {
	return &PairingStore{
		dir:       filepath.Join(stateDir, "oauth"),
		allowFrom: allowFrom,
		now:       time.Now,
	}
}

func (s *PairingStore) path(channel string) string {
	return filepath.Join(s.dir, channel+"-pairing.json")
}

// Upsert registers a pending pairing request, refreshing lastSeenAt when the
// same (accountId, id) already has a live request.
func (s *PairingStore) Upsert(req store.PairingUpsert) (store.PairingResult, error) {
	path := s.path(req.Channel)
	unlock := s.locks.lock(path)
	defer unlock()

	f, err := s.load(path)
	if err != nil {
		return store.PairingResult{}, err
	}

	now := s.now()
	accountID := config.NormalizeAccountID(req.AccountID)
	live := prunePairing(f.Requests, now)

	for i := range live {
		if live[i].AccountID == accountID && live[i].ID == req.ID {
			live[i].LastSeenAt = now
			f.Requests = live
			if err := writeJSONAtomic(path, &pairingFile{Version: 1, Requests: live}); err != nil {
				return store.PairingResult{}, err
			}
			return store.PairingResult{Code: live[i].Code, Created: false}, nil
		}
	}

	if len(live) >= PairingPendingCap {
		// Cap reached: persist the prune, drop the new request.
		if err := writeJSONAtomic(path, &pairingFile{Version: 1, Requests: live}); err != nil {
			return store.PairingResult{}, err
		}
		return store.PairingResult{Code: "", Created: false}, nil
	}

	code, err := generatePairingCode(live)
	if err != nil {
		return store.PairingResult{}, err
	}
	live = append(live, store.PairingRequest{
		ID:         req.ID,
		Code:       code,
		CreatedAt:  now,
		LastSeenAt: now,
		AccountID:  accountID,
		Meta:       req.Meta,
	})
	if err := writeJSONAtomic(path, &pairingFile{Version: 1, Requests: live}); err != nil {
		return store.PairingResult{}, err
	}
	return store.PairingResult{Code: code, Created: true}, nil
}

// Approve resolves a code to its pending request. The lookup is
// case-insensitive and may be constrained to an account. On match, the
// request is removed and its sender id added to the allowFrom store.
func (s *PairingStore) Approve(channel, code, accountID string) (*store.PairingRequest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}

	path := s.path(channel)
	unlock := s.locks.lock(path)
	defer unlock()

	f, err := s.load(path)
	if err != nil {
		return nil, err
	}
	live := prunePairing(f.Requests, s.now())

	wantAccount := ""
	if accountID != "" {
		wantAccount = config.NormalizeAccountID(accountID)
	}

	for i := range live {
		if !strings.EqualFold(live[i].Code, code) {
			continue
		}
		if wantAccount != "" && live[i].AccountID != wantAccount {
			continue
		}
		matched := live[i]
		live = append(live[:i], live[i+1:]...)
		if err := writeJSONAtomic(path, &pairingFile{Version: 1, Requests: live}); err != nil {
			return nil, err
		}
		if _, err := s.allowFrom.Add(channel, matched.AccountID, matched.ID); err != nil {
			return nil, err
		}
		return &matched, nil
	}

	if err := writeJSONAtomic(path, &pairingFile{Version: 1, Requests: live}); err != nil {
		return nil, err
	}
	return nil, nil
}

// ListPending returns the live requests for a channel.
func (s *PairingStore) ListPending(channel string) ([]store.PairingRequest, error) {
	f, err := s.load(s.path(channel))
	if err != nil {
		return nil, err
	}
	return prunePairing(f.Requests, s.now()), nil
}

func (s *PairingStore) load(path string) (pairingFile, error) {
	f := pairingFile{Version: 1}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("read pairing store: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("pairing store malformed, resetting", "path", path, "error", err)
		return pairingFile{Version: 1}, nil
	}
	return f, nil
}

func prunePairing(requests []store.PairingRequest, now time.Time) []store.PairingRequest {
	var live []store.PairingRequest
	for _, r := range requests {
		if now.Sub(r.CreatedAt) < PairingTTL {
			live = append(live, r)
		}
	}
	return live
}

// generatePairingCode produces a unique 8-char A–Z code from cryptographic
// randomness, retrying on collision with pending codes.
func generatePairingCode(pending []store.PairingRequest) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for {
		buf := make([]byte, pairingCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		code := string(buf)

		collision := false
		for _, r := range pending {
			if strings.EqualFold(r.Code, code) {
				collision = true
				break
			}
		}
		if !collision {
			return code, nil
		}
	}
}
