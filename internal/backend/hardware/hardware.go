// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package hardware implements the backend whose keys live on a secure
// element. Sealing and opening run on the device, the host only keeps the
// sealed envelopes.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/carabiner-dev/avp/internal/backend"
	"github.com/carabiner-dev/avp/internal/common"
	"github.com/carabiner-dev/avp/internal/device"
	isecrets "github.com/carabiner-dev/avp/internal/secrets"
	"github.com/carabiner-dev/avp/secrets"
)

const (
	DefaultPresenceTimeout = 30 * time.Second
	DefaultCallTimeout     = 5 * time.Second
	DefaultPINEnv          = "AVP_DEVICE_PIN"

	// presenceGrace lets the device report its own presence timeout before
	// the host side deadline fires.
	presenceGrace = time.Second
)

// Config configures the hardware backend.
type Config struct {
	// Address is the unix socket of the device daemon.
	Address string

	// EnvelopeDir keeps the sealed envelopes on the host.
	EnvelopeDir string

	// PresenceTimeout bounds the wait for a touch when retrieving.
	PresenceTimeout time.Duration

	// CallTimeout bounds every other device call.
	CallTimeout time.Duration

	// PIN unlocks the device on first use.
	PIN string
}

// ParseParams builds a Config from the vault's backend_params.
func ParseParams(params map[string]string) (Config, error) {
	cfg := Config{
		Address:         params["address"],
		EnvelopeDir:     params["envelope_dir"],
		PresenceTimeout: DefaultPresenceTimeout,
		CallTimeout:     DefaultCallTimeout,
	}
	if cfg.Address == "" || cfg.EnvelopeDir == "" {
		return cfg, fmt.Errorf("%w: hardware backend requires address and envelope_dir", secrets.ErrInvalidArgument)
	}
	for key, dst := range map[string]*time.Duration{
		"presence_timeout": &cfg.PresenceTimeout,
		"call_timeout":     &cfg.CallTimeout,
	} {
		if v := params[key]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return cfg, fmt.Errorf("%w: invalid %s %q", secrets.ErrInvalidArgument, key, v)
			}
			*dst = d
		}
	}
	pinEnv := params["pin_env"]
	if pinEnv == "" {
		pinEnv = DefaultPINEnv
	}
	cfg.PIN = os.Getenv(pinEnv)
	return cfg, nil
}

type options struct {
	conn    grpc.ClientConnInterface
	storage secrets.Storage
}

// Option customizes the backend.
type Option func(*options)

// WithConn talks to the device over an existing connection instead of
// dialing Config.Address.
func WithConn(conn grpc.ClientConnInterface) Option {
	return func(o *options) { o.conn = conn }
}

// WithStorage keeps envelopes in s instead of Config.EnvelopeDir.
func WithStorage(s secrets.Storage) Option {
	return func(o *options) { o.storage = s }
}

// New returns the hardware backend. No device call is made until the first
// operation, so a missing device surfaces as secrets.ErrDeviceNotPresent
// from the operations themselves.
func New(ctx context.Context, cfg Config, fns ...Option) (*backend.Engine, error) {
	opts := &options{}
	for _, fn := range fns {
		fn(opts)
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	s := &sealer{cfg: cfg}
	if opts.conn == nil {
		conn, err := device.Dial(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", secrets.ErrDeviceNotPresent, err)
		}
		opts.conn = conn
		s.closer = conn
	}
	s.client = device.NewClient(opts.conn)

	if opts.storage == nil {
		dir, err := isecrets.NewDirStorage(cfg.EnvelopeDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", secrets.ErrBackendUnavailable, err)
		}
		opts.storage = dir
	}

	clog.FromContext(ctx).Debugf("hardware backend using device at %s", cfg.Address)
	return backend.NewEngine(secrets.BackendHardware, opts.storage, s), nil
}

type sealer struct {
	cfg    Config
	client *device.Client
	closer io.Closer

	mu       sync.Mutex
	unlocked bool
}

var (
	_ backend.Sealer   = &sealer{}
	_ backend.Releaser = &sealer{}
	_ backend.Claimer  = &sealer{}
)

func (s *sealer) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

// unlock submits the PIN unless the device is known to be unlocked.
func (s *sealer) unlock(ctx context.Context) error {
	if s.cfg.PIN == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlocked {
		return nil
	}

	cctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.client.Unlock(cctx, s.cfg.PIN); err != nil {
		return mapError(ctx, err, false)
	}
	s.unlocked = true
	return nil
}

// relocked reports whether err means the device locked itself after the
// PIN was sent. It clears the unlocked mark so the PIN goes out again.
func (s *sealer) relocked(err error) bool {
	if s.cfg.PIN == "" || status.Code(err) != codes.PermissionDenied {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = false
	return true
}

// do runs a device call on an unlocked device. A call refused because the
// device relocked is retried once after a fresh unlock.
func (s *sealer) do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := s.unlock(ctx); err != nil {
			return err
		}
		cctx, cancel := s.call(ctx)
		err := fn(cctx)
		cancel()
		if err == nil || attempt > 0 || !s.relocked(err) {
			return mapError(ctx, err, false)
		}
	}
}

func (s *sealer) Seal(ctx context.Context, ref secrets.Ref, version uint64, plaintext []byte) ([]byte, []byte, error) {
	var ct, nonce []byte
	err := s.do(ctx, func(cctx context.Context) error {
		var err error
		ct, nonce, err = s.client.Seal(cctx, ref.ID(), version, plaintext)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ct, nonce, nil
}

// Open waits for a physical presence confirmation on the device and then
// spends the resulting token to decrypt the envelope.
func (s *sealer) Open(ctx context.Context, env *secrets.Envelope) ([]byte, error) {
	if err := s.unlock(ctx); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PresenceTimeout+presenceGrace)
	token, err := s.client.AwaitPresence(pctx, s.cfg.PresenceTimeout)
	cancel()
	if err != nil {
		return nil, mapError(ctx, err, true)
	}
	defer common.ZeroBytes(token)

	var pt []byte
	err = s.do(ctx, func(cctx context.Context) error {
		var err error
		pt, err = s.client.Open(cctx, env.Ref().ID(), env.Version, env.Ciphertext, env.Nonce, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

func (s *sealer) Release(ctx context.Context, ref secrets.Ref) error {
	return s.do(ctx, func(cctx context.Context) error {
		return s.client.Release(cctx, ref.ID())
	})
}

func (s *sealer) Claim(ctx context.Context, ref secrets.Ref) error {
	return s.do(ctx, func(cctx context.Context) error {
		return s.client.Claim(cctx, ref.ID())
	})
}

func (s *sealer) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// mapError translates a device call failure into the vault's error kinds.
// presence marks failures of the presence wait, whose deadline means the
// user did not confirm in time.
func mapError(ctx context.Context, err error, presence bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", secrets.ErrCancelled, ctx.Err())
	}

	st := status.Convert(err)
	msg := st.Message()
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %s", secrets.ErrCancelled, msg)
	case codes.DeadlineExceeded:
		if presence {
			return fmt.Errorf("%w: %s", secrets.ErrPresenceRequired, msg)
		}
		return errors.Join(fmt.Errorf("%w: device did not answer in time", secrets.ErrDeviceNotPresent), secrets.ErrTransport)
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", secrets.ErrPresenceRequired, msg)
	case codes.Unavailable:
		return errors.Join(fmt.Errorf("%w: %s", secrets.ErrDeviceNotPresent, msg), secrets.ErrTransport)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %s", secrets.ErrAccessDenied, msg)
	case codes.DataLoss:
		return fmt.Errorf("%w: %s", secrets.ErrAuthenticationFailure, msg)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", secrets.ErrInvalidArgument, msg)
	default:
		return fmt.Errorf("%w: device error: %s", secrets.ErrBackendUnavailable, msg)
	}
}
