package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "opscore.v1.Coordinator"

// Method names of the Coordinator service.
const (
	MethodListOperations       = "ListOperations"
	MethodTriggerOperation     = "TriggerOperation"
	MethodGetRunStatus         = "GetRunStatus"
	MethodDecideApproval       = "DecideApproval"
	MethodGetAlertState        = "GetAlertState"
	MethodGetValidationVerdict = "GetValidationVerdict"
	MethodGetSummary           = "GetSummary"
)

// FullMethod returns the wire path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryFunc func(srv CoordinatorServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(CoordinatorServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// CoordinatorServiceDesc describes the Coordinator service for grpc.Server.RegisterService.
var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodListOperations, CoordinatorServer.ListOperations),
		unaryMethod(MethodTriggerOperation, CoordinatorServer.TriggerOperation),
		unaryMethod(MethodGetRunStatus, CoordinatorServer.GetRunStatus),
		unaryMethod(MethodDecideApproval, CoordinatorServer.DecideApproval),
		unaryMethod(MethodGetAlertState, CoordinatorServer.GetAlertState),
		unaryMethod(MethodGetValidationVerdict, CoordinatorServer.GetValidationVerdict),
		unaryMethod(MethodGetSummary, CoordinatorServer.GetSummary),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opscore/v1/coordinator.proto",
}

// RegisterCoordinatorServer registers srv with s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}
