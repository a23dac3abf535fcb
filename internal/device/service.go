// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name of the element.
const ServiceName = "avp.device.v1.SecureElement"

// MaxPresenceTimeout bounds the presence wait a client can request.
const MaxPresenceTimeout = 5 * time.Minute

// SecureElementServer is the server API of the secure element service.
type SecureElementServer interface {
	Info(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Unlock(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Seal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AwaitPresence(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Open(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Release(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Claim(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Touch(context.Context, *emptypb.Empty) (*wrapperspb.Int32Value, error)
}

// unary builds the method descriptor of one RPC.
func unary[Req, Resp proto.Message](
	method string, newReq func() Req, call func(SecureElementServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SecureElementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SecureElementServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }
func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

// ServiceDesc describes the secure element service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SecureElementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Info", newEmpty, SecureElementServer.Info),
		unary("Unlock", newStruct, SecureElementServer.Unlock),
		unary("Seal", newStruct, SecureElementServer.Seal),
		unary("AwaitPresence", newStruct, SecureElementServer.AwaitPresence),
		unary("Open", newStruct, SecureElementServer.Open),
		unary("Release", newString, SecureElementServer.Release),
		unary("Claim", newString, SecureElementServer.Claim),
		unary("Touch", newEmpty, SecureElementServer.Touch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "avp/device/v1/device.proto",
}

// Register exposes the element on a gRPC server.
func Register(s grpc.ServiceRegistrar, el *Element) {
	s.RegisterService(&ServiceDesc, &service{element: el})
}

var _ SecureElementServer = &service{}

type service struct {
	element *Element
}

func (s *service) Info(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	info := s.element.Info()
	return structpb.NewStruct(map[string]any{
		"device_id":         info.DeviceID,
		"firmware":          info.Firmware,
		"secure_element":    info.SecureElement,
		"slots_used":        info.SlotsUsed,
		"slots_total":       info.SlotsTotal,
		"locked":            info.Locked,
		"tamper":            info.Tamper,
		"pin_attempts_left": info.PINAttemptsLeft,
	})
}

func (s *service) Unlock(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.element.Unlock(stringField(req, "pin")); err != nil {
		clog.FromContext(ctx).Warnf("unlock failed: %v", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) Seal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pt, err := bytesField(req, "plaintext")
	if err != nil {
		return nil, err
	}
	ct, nonce, err := s.element.Seal(stringField(req, "slot"), uint64Field(req, "version"), pt)
	clear(pt)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"ciphertext": base64.StdEncoding.EncodeToString(ct),
		"nonce":      base64.StdEncoding.EncodeToString(nonce),
	})
}

func (s *service) AwaitPresence(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	timeout := time.Duration(uint64Field(req, "timeout_ms")) * time.Millisecond //nolint:gosec
	if timeout <= 0 || timeout > MaxPresenceTimeout {
		timeout = MaxPresenceTimeout
	}
	clog.FromContext(ctx).Infof("waiting up to %s for presence confirmation", timeout)
	token, err := s.element.AwaitPresence(ctx, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(token), nil
}

func (s *service) Open(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	ct, err := bytesField(req, "ciphertext")
	if err != nil {
		return nil, err
	}
	nonce, err := bytesField(req, "nonce")
	if err != nil {
		return nil, err
	}
	token, err := bytesField(req, "token")
	if err != nil {
		return nil, err
	}
	pt, err := s.element.Open(stringField(req, "slot"), uint64Field(req, "version"), ct, nonce, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(pt), nil
}

func (s *service) Release(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.element.Release(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) Claim(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.element.Claim(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) Touch(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int32Value, error) {
	return wrapperspb.Int32(int32(s.element.Touch())), nil //nolint:gosec
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func uint64Field(s *structpb.Struct, key string) uint64 {
	v := s.GetFields()[key].GetNumberValue()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func bytesField(s *structpb.Struct, key string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(stringField(s, key))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "field %s is not base64: %v", key, err)
	}
	return b, nil
}

// toStatus maps element errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, ErrLocked):
		code = codes.PermissionDenied
	case errors.Is(err, ErrWrongPIN), errors.Is(err, ErrWiped):
		code = codes.Unauthenticated
	case errors.Is(err, ErrSlotsExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, ErrPresenceTimeout), errors.Is(err, ErrInvalidToken):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrOpen):
		code = codes.DataLoss
	case errors.Is(err, ErrInvalidSlot):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// Invoke helpers used by Client.
func method(name string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, name)
}
