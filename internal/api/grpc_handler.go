package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"catalog-cost-service/internal/batch"
	"catalog-cost-service/internal/costprice"
)

// CostServiceName is the fully qualified gRPC service name.
const CostServiceName = "catalogcost.v1.CostService"

// CostServiceServer is the server API of CostService. Requests carry a single
// id in a StringValue; responses are the JSON shape of the HTTP API as a Struct.
type CostServiceServer interface {
	ResolveProduct(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	ResolveCategory(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	MigrateCategory(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

// CostServiceDesc describes CostService for grpc.Server.RegisterService.
var CostServiceDesc = grpc.ServiceDesc{
	ServiceName: CostServiceName,
	HandlerType: (*CostServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveProduct", Handler: unaryHandler("ResolveProduct", CostServiceServer.ResolveProduct)},
		{MethodName: "ResolveCategory", Handler: unaryHandler("ResolveCategory", CostServiceServer.ResolveCategory)},
		{MethodName: "MigrateCategory", Handler: unaryHandler("MigrateCategory", CostServiceServer.MigrateCategory)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "catalogcost/v1/cost.proto",
}

// RegisterCostServiceServer registers srv on s.
func RegisterCostServiceServer(s grpc.ServiceRegistrar, srv CostServiceServer) {
	s.RegisterService(&CostServiceDesc, srv)
}

type unaryMethod func(CostServiceServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + CostServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(CostServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(srv.(CostServiceServer), ctx, req.(*wrapperspb.StringValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CostServiceClient calls CostService.
type CostServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCostServiceClient creates a client on cc.
func NewCostServiceClient(cc grpc.ClientConnInterface) *CostServiceClient {
	return &CostServiceClient{cc: cc}
}

func (c *CostServiceClient) ResolveProduct(ctx context.Context, sku string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ResolveProduct", sku, opts...)
}

func (c *CostServiceClient) ResolveCategory(ctx context.Context, categoryID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ResolveCategory", categoryID, opts...)
}

func (c *CostServiceClient) MigrateCategory(ctx context.Context, categoryID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "MigrateCategory", categoryID, opts...)
}

func (c *CostServiceClient) invoke(ctx context.Context, method, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+CostServiceName+"/"+method, wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCHandler implements CostServiceServer on top of the cost service.
type GRPCHandler struct {
	service CostService
	logger  *zap.Logger
}

// NewGRPCHandler creates a new GRPCHandler.
func NewGRPCHandler(service CostService, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{service: service, logger: logger}
}

// --- Helper: Error Mapping ---
func (s *GRPCHandler) mapServiceErrorToGrpcStatus(err error, resourceName, resourceID string) error {
	if err == nil {
		return nil
	}

	var partial *costprice.PartialMigrationError
	switch {
	case errors.Is(err, costprice.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, costprice.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s %q not found", resourceName, resourceID)
	case errors.Is(err, costprice.ErrMigrationInProgress), errors.Is(err, costprice.ErrNothingToRollback),
		errors.Is(err, costprice.ErrClearPending):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &partial):
		s.logger.Error("migration partially applied", zap.String("category_id", partial.CategoryID), zap.Strings("pending_skus", partial.PendingSKUs), zap.Error(err))
		return status.Errorf(codes.Aborted, "migration of %s %q partially applied, %d product overrides still pending", resourceName, resourceID, len(partial.PendingSKUs))
	case errors.Is(err, batch.ErrServiceUnavailable):
		s.logger.Warn("store unavailable", zap.String("resource", resourceName), zap.String("id", resourceID), zap.Error(err))
		return status.Error(codes.Unavailable, "service temporarily unavailable")
	default:
		s.logger.Error("request failed", zap.String("resource", resourceName), zap.String("id", resourceID), zap.Error(err))
		return status.Errorf(codes.Internal, "failed to process request for %s %q", resourceName, resourceID)
	}
}

// --- CostService gRPC Methods Implementation ---

func (s *GRPCHandler) ResolveProduct(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sku := req.GetValue()
	resolution, err := s.service.ResolveForProduct(ctx, sku)
	if err != nil {
		return nil, s.mapServiceErrorToGrpcStatus(err, "product", sku)
	}
	return toStruct(resolution)
}

func (s *GRPCHandler) ResolveCategory(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	categoryID := req.GetValue()
	resolution, err := s.service.ResolveForCategory(ctx, categoryID)
	if err != nil {
		return nil, s.mapServiceErrorToGrpcStatus(err, "category", categoryID)
	}
	return toStruct(resolution)
}

func (s *GRPCHandler) MigrateCategory(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	categoryID := req.GetValue()
	result, err := s.service.MigrateCategoryFromProducts(ctx, categoryID)
	if err != nil {
		return nil, s.mapServiceErrorToGrpcStatus(err, "category", categoryID)
	}
	return toStruct(result)
}

// toStruct converts a JSON-tagged value into a Struct with the same shape.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode response: %v", err))
	}
	return out, nil
}
