package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/xmh1011/raftkv/param"
	"github.com/xmh1011/raftkv/transport"
)

const serviceName = "raftkv.Raft"

// serviceDesc 手工描述了 Raft 服务的六个一元方法。
// 消息用 gob 编码，因此不需要 protoc 生成的代码。
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.RPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
		{MethodName: "CommitLeaseNotice", Handler: commitLeaseNoticeHandler},
		{MethodName: "ClientRequest", Handler: clientRequestHandler},
		{MethodName: "ClientRead", Handler: clientReadHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	args := new(param.RequestVoteArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := new(param.RequestVoteReply)
		if err := srv.(transport.RPCServer).RequestVote(req.(*param.RequestVoteArgs), reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if interceptor == nil {
		return handler(ctx, args)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	return interceptor(ctx, args, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	args := new(param.AppendEntriesArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := new(param.AppendEntriesReply)
		if err := srv.(transport.RPCServer).AppendEntries(req.(*param.AppendEntriesArgs), reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if interceptor == nil {
		return handler(ctx, args)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	return interceptor(ctx, args, info, handler)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	args := new(param.InstallSnapshotArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := new(param.InstallSnapshotReply)
		if err := srv.(transport.RPCServer).InstallSnapshot(req.(*param.InstallSnapshotArgs), reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if interceptor == nil {
		return handler(ctx, args)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	return interceptor(ctx, args, info, handler)
}

func commitLeaseNoticeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	args := new(param.CommitLeaseNoticeArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := new(param.CommitLeaseNoticeReply)
		if err := srv.(transport.RPCServer).CommitLeaseNotice(req.(*param.CommitLeaseNoticeArgs), reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if interceptor == nil {
		return handler(ctx, args)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CommitLeaseNotice"}
	return interceptor(ctx, args, info, handler)
}

func clientRequestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	args := new(param.ClientArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := new(param.ClientReply)
		if err := srv.(transport.RPCServer).ClientRequest(req.(*param.ClientArgs), reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if interceptor == nil {
		return handler(ctx, args)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ClientRequest"}
	return interceptor(ctx, args, info, handler)
}

func clientReadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	args := new(param.ClientReadArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := new(param.ClientReadReply)
		if err := srv.(transport.RPCServer).ClientRead(req.(*param.ClientReadArgs), reply); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if interceptor == nil {
		return handler(ctx, args)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ClientRead"}
	return interceptor(ctx, args, info, handler)
}
