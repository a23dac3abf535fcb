// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package device implements the secure element the hardware backend talks
// to: an emulated device holding a master key that never leaves it, a PIN
// with a wipe-on-failure counter, a bounded set of key slots and a presence
// button, served over gRPC on a local unix socket.
package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carabiner-dev/avp/internal/common"
)

const (
	DefaultSlots          = 32
	DefaultMaxPINAttempts = 3
	DefaultTokenTTL       = 30 * time.Second
	DefaultFirmware       = "2.1.0"
	SecureElementName     = "AVP-SE emulator"
)

var (
	ErrLocked          = errors.New("device is locked")
	ErrWrongPIN        = errors.New("wrong PIN")
	ErrWiped           = errors.New("device wiped after repeated PIN failures")
	ErrSlotsExhausted  = errors.New("no free key slots")
	ErrPresenceTimeout = errors.New("presence was not confirmed in time")
	ErrInvalidToken    = errors.New("invalid or expired presence token")
	ErrOpen            = errors.New("ciphertext failed authentication")
	ErrInvalidSlot     = errors.New("invalid slot name")
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,}$`)

// Config configures an emulated element.
type Config struct {
	// PIN locks the device until Unlock is called. Empty means no PIN.
	PIN string

	// AutoConfirm answers every presence request as if the button was
	// pressed.
	AutoConfirm bool

	Slots          int
	MaxPINAttempts int
	TokenTTL       time.Duration
	Firmware       string
}

// Info describes the device state.
type Info struct {
	DeviceID        string `json:"device_id" yaml:"device_id"`
	Firmware        string `json:"firmware" yaml:"firmware"`
	SecureElement   string `json:"secure_element" yaml:"secure_element"`
	SlotsUsed       int    `json:"slots_used" yaml:"slots_used"`
	SlotsTotal      int    `json:"slots_total" yaml:"slots_total"`
	Locked          bool   `json:"locked" yaml:"locked"`
	Tamper          bool   `json:"tamper" yaml:"tamper"`
	PINAttemptsLeft int    `json:"pin_attempts_left" yaml:"pin_attempts_left"`
}

// Element is an emulated secure element. It is safe for concurrent use.
type Element struct {
	cfg Config
	id  string
	now func() time.Time

	mu       sync.Mutex
	master   *common.LockedBuffer
	unlocked bool
	failures int
	tamper   bool
	slots    map[string]struct{}
	tokens   map[string]time.Time
	waiters  map[chan struct{}]struct{}
}

// NewElement returns a freshly provisioned element.
func NewElement(cfg Config) (*Element, error) {
	if cfg.PIN != "" && !pinPattern.MatchString(cfg.PIN) {
		return nil, errors.New("PIN must have at least 4 digits")
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.MaxPINAttempts <= 0 {
		cfg.MaxPINAttempts = DefaultMaxPINAttempts
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Firmware == "" {
		cfg.Firmware = DefaultFirmware
	}

	e := &Element{
		cfg:      cfg,
		id:       uuid.NewString(),
		now:      time.Now,
		unlocked: cfg.PIN == "",
		slots:    map[string]struct{}{},
		tokens:   map[string]time.Time{},
		waiters:  map[chan struct{}]struct{}{},
	}
	if err := e.provision(); err != nil {
		return nil, err
	}
	return e, nil
}

// provision generates a new master key. Callers hold mu or own e.
func (e *Element) provision() error {
	key, err := common.RandomBytes(common.KeySize)
	if err != nil {
		return fmt.Errorf("generating device key: %w", err)
	}
	if e.master != nil {
		e.master.Destroy()
	}
	e.master = common.NewLockedBuffer(key)
	return nil
}

// Info reports the device state.
func (e *Element) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		DeviceID:        e.id,
		Firmware:        e.cfg.Firmware,
		SecureElement:   SecureElementName,
		SlotsUsed:       len(e.slots),
		SlotsTotal:      e.cfg.Slots,
		Locked:          !e.unlocked,
		Tamper:          e.tamper,
		PINAttemptsLeft: e.cfg.MaxPINAttempts - e.failures,
	}
}

// Unlock verifies the PIN. Reaching the attempt limit wipes the device: the
// master key is replaced and every slot is cleared.
func (e *Element) Unlock(pin string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.PIN == "" || pin == e.cfg.PIN {
		e.unlocked = true
		e.failures = 0
		return nil
	}

	e.failures++
	if e.failures < e.cfg.MaxPINAttempts {
		return fmt.Errorf("%w: %d attempts left", ErrWrongPIN, e.cfg.MaxPINAttempts-e.failures)
	}

	if err := e.provision(); err != nil {
		return err
	}
	clear(e.slots)
	clear(e.tokens)
	e.unlocked = false
	e.failures = 0
	e.tamper = true
	return ErrWiped
}

// Lock relocks a PIN protected device as a power cycle would.
func (e *Element) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.PIN != "" {
		e.unlocked = false
	}
}

func (e *Element) slotKey(slot string) ([]byte, error) {
	if slot == "" {
		return nil, ErrInvalidSlot
	}
	if !e.unlocked {
		return nil, ErrLocked
	}
	return common.ExpandKey(e.master.Bytes(), "avp-slot:"+slot)
}

func slotData(slot string, version uint64) []byte {
	return fmt.Appendf(nil, "%s#%d", slot, version)
}

// Seal encrypts plaintext with the key of slot, occupying the slot if it
// is not in use yet.
func (e *Element) Seal(slot string, version uint64, plaintext []byte) ([]byte, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.slotKey(slot)
	if err != nil {
		return nil, nil, err
	}
	defer common.ZeroBytes(key)

	if _, ok := e.slots[slot]; !ok && len(e.slots) >= e.cfg.Slots {
		return nil, nil, ErrSlotsExhausted
	}

	ct, nonce, err := common.Seal(key, plaintext, slotData(slot, version))
	if err != nil {
		return nil, nil, err
	}
	e.slots[slot] = struct{}{}
	return ct, nonce, nil
}

// AwaitPresence blocks until the button is touched, the timeout expires or
// ctx is done. It returns a single-use token that authorizes one Open.
func (e *Element) AwaitPresence(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if !e.cfg.AutoConfirm {
		ch := make(chan struct{})
		e.mu.Lock()
		e.waiters[ch] = struct{}{}
		e.mu.Unlock()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-ch:
		case <-timer.C:
			e.dropWaiter(ch)
			return nil, ErrPresenceTimeout
		case <-ctx.Done():
			e.dropWaiter(ch)
			return nil, ctx.Err()
		}
	}

	token, err := common.RandomBytes(16)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[hex.EncodeToString(token)] = e.now().Add(e.cfg.TokenTTL)
	return token, nil
}

func (e *Element) dropWaiter(ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiters, ch)
}

// Touch emulates a press of the presence button. It confirms every pending
// presence request and returns how many there were.
func (e *Element) Touch() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.waiters)
	for ch := range e.waiters {
		close(ch)
		delete(e.waiters, ch)
	}
	return n
}

// Pending returns the number of presence requests waiting for a touch.
func (e *Element) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

// Open consumes a presence token and decrypts a Seal output. A locked
// device refuses before the token is consumed.
func (e *Element) Open(slot string, version uint64, ciphertext, nonce, token []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.unlocked {
		return nil, ErrLocked
	}
	id := hex.EncodeToString(token)
	expires, ok := e.tokens[id]
	if !ok {
		return nil, ErrInvalidToken
	}
	delete(e.tokens, id)
	if e.now().After(expires) {
		return nil, ErrInvalidToken
	}

	key, err := e.slotKey(slot)
	if err != nil {
		return nil, err
	}
	defer common.ZeroBytes(key)

	pt, err := common.Open(key, ciphertext, nonce, slotData(slot, version))
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// Release frees a slot.
func (e *Element) Release(slot string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.unlocked {
		return ErrLocked
	}
	delete(e.slots, slot)
	return nil
}

// Claim marks a slot as used again.
func (e *Element) Claim(slot string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.unlocked {
		return ErrLocked
	}
	if _, ok := e.slots[slot]; !ok && len(e.slots) >= e.cfg.Slots {
		return ErrSlotsExhausted
	}
	e.slots[slot] = struct{}{}
	return nil
}
