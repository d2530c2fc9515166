package rpc

import (
	"context"

	"github.com/elityaev/agent-harness/internal/proto"
)

// Named shortcuts for the onboarding click methods. Each is a plain SendRpc
// with the method name filled in; none add behavior of their own.

// StartOnboarding asks the agent to begin the onboarding flow.
func (g *Gateway) StartOnboarding(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodStartOnboarding, nil)
}

// SendPermissionResult reports a native permission dialog outcome.
func (g *Gateway) SendPermissionResult(ctx context.Context, permType string, granted bool) error {
	return g.SendRpc(ctx, proto.MethodPermissionResult, map[string]any{
		"permission_type": permType,
		"granted":         granted,
	})
}

func (g *Gateway) SendLocationAllowClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodLocationAllowClick, nil)
}

func (g *Gateway) SendLocationLaterClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodLocationLaterClick, nil)
}

func (g *Gateway) SendPlaceContinueClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodPlaceContinueClick, nil)
}

func (g *Gateway) SendSuccessfulPurchase(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodSuccessfulPurchase, nil)
}

func (g *Gateway) SendPurchaseSkip(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodPurchaseSkip, nil)
}

func (g *Gateway) SendPushAllowClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodPushAllowClick, nil)
}

func (g *Gateway) SendPushLaterClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodPushLaterClick, nil)
}

func (g *Gateway) SendMusicInfoPassed(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodMusicInfoPassed, nil)
}

func (g *Gateway) SendCallsInfoPassed(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodCallsInfoPassed, nil)
}

func (g *Gateway) SendDefaultAssistantOpenClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodAssistantOpenClick, nil)
}

func (g *Gateway) SendDefaultAssistantSetupComplete(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodAssistantSetupDone, nil)
}

func (g *Gateway) SendDefaultAssistantLaterClick(ctx context.Context) error {
	return g.SendRpc(ctx, proto.MethodAssistantLaterClick, nil)
}
