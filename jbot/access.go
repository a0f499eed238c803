package jbot

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrOwnerOnly is returned when someone other than the owner tries
	// to change the DM lists
	ErrOwnerOnly = errors.New("owner only")

	// ErrCannotMuteOwner is returned when the owner tries to mute themselves
	ErrCannotMuteOwner = errors.New("the owner can't be muted")
)

// AccessDecision is the outcome of checking whether a user may DM the bot
type AccessDecision int

const (
	// AccessDenied means the user isn't the owner and isn't on the allow list
	AccessDenied AccessDecision = iota

	// AccessOwner means the user is the bot owner
	AccessOwner

	// AccessAllowed means the user is on the allow list
	AccessAllowed

	// AccessMuted means the user is on the allow list, but has been muted
	AccessMuted
)

func (a AccessDecision) String() string {
	switch a {
	case AccessOwner:
		return "owner"
	case AccessAllowed:
		return "allowed"
	case AccessMuted:
		return "muted"
	default:
		return "denied"
	}
}

// AccessControl tracks which users may DM the bot. State is held in
// memory only, and starts empty.
type AccessControl struct {
	ownerID string
	allowed map[string]struct{}
	muted   map[string]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger
}

func NewAccessControl(ownerID string, logger *slog.Logger) *AccessControl {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessControl{
		ownerID: ownerID,
		allowed: map[string]struct{}{},
		muted:   map[string]struct{}{},
		logger:  logger,
	}
}

// IsOwner reports whether userID is the bot owner
func (a *AccessControl) IsOwner(userID string) bool {
	return userID != "" && userID == a.ownerID
}

// CheckDM decides whether userID may interact with the bot via direct
// message. The owner is always permitted. Guild traffic isn't subject
// to this check.
func (a *AccessControl) CheckDM(userID string) AccessDecision {
	if a.IsOwner(userID) {
		return AccessOwner
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.allowed[userID]; !ok {
		return AccessDenied
	}
	if _, ok := a.muted[userID]; ok {
		return AccessMuted
	}
	return AccessAllowed
}

// Allow adds targetID to the DM allow list. Only the owner may call it.
// Returns true if the user wasn't already allowed.
func (a *AccessControl) Allow(callerID, targetID string) (bool, error) {
	if !a.IsOwner(callerID) {
		return false, ErrOwnerOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.allowed[targetID]
	a.allowed[targetID] = struct{}{}
	a.logger.Info("allowed DM user", "user_id", targetID, "already_allowed", exists)
	return !exists, nil
}

// Remove takes targetID off the DM allow list. Only the owner may call it.
// Returns true if the user was on the list.
func (a *AccessControl) Remove(callerID, targetID string) (bool, error) {
	if !a.IsOwner(callerID) {
		return false, ErrOwnerOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.allowed[targetID]
	delete(a.allowed, targetID)
	a.logger.Info("removed DM user", "user_id", targetID, "was_allowed", exists)
	return exists, nil
}

// Mute blocks targetID from DMing the bot, without removing them from
// the allow list. Only the owner may call it.
func (a *AccessControl) Mute(callerID, targetID string) (bool, error) {
	if !a.IsOwner(callerID) {
		return false, ErrOwnerOnly
	}
	if a.IsOwner(targetID) {
		return false, ErrCannotMuteOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.muted[targetID]
	a.muted[targetID] = struct{}{}
	a.logger.Info("muted DM user", "user_id", targetID, "already_muted", exists)
	return !exists, nil
}

// Unmute reverses Mute. Only the owner may call it.
func (a *AccessControl) Unmute(callerID, targetID string) (bool, error) {
	if !a.IsOwner(callerID) {
		return false, ErrOwnerOnly
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.muted[targetID]
	delete(a.muted, targetID)
	a.logger.Info("unmuted DM user", "user_id", targetID, "was_muted", exists)
	return exists, nil
}

// AllowedUsers returns a sorted copy of the allow list
func (a *AccessControl) AllowedUsers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.allowed)
}

// MutedUsers returns a sorted copy of the mute list
func (a *AccessControl) MutedUsers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.muted)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
