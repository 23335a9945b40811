package checkout

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Surface is the payment-collection form bound to one flow's client secret.
// The caller registers callbacks and then forwards the patient's submit or
// close action.
type Surface struct {
	ClientSecret string

	flowID    uuid.UUID
	sess      Session
	orch      *Orchestrator
	onSuccess func(*Flow)
	onClose   func(*Flow)
}

// Open returns the surface for a flow in CollectingPayment.
func (o *Orchestrator) Open(ctx context.Context, sess Session, flowID uuid.UUID) (*Surface, error) {
	flow, err := o.load(ctx, sess, flowID)
	if err != nil {
		return nil, err
	}
	if flow.State != StateCollectingPayment {
		return nil, ErrInvalidTransition
	}
	if flow.Intent == nil || flow.Intent.ClientSecret == "" {
		return nil, ErrMissingIntent
	}
	return &Surface{
		ClientSecret: flow.Intent.ClientSecret,
		flowID:       flowID,
		sess:         sess,
		orch:         o,
	}, nil
}

// Attach returns the surface for any flow the session owns, whatever its
// state. It is used to dismiss a surface that may already be finished.
func (o *Orchestrator) Attach(ctx context.Context, sess Session, flowID uuid.UUID) (*Surface, error) {
	flow, err := o.load(ctx, sess, flowID)
	if err != nil {
		return nil, err
	}
	s := &Surface{flowID: flowID, sess: sess, orch: o}
	if flow.Intent != nil {
		s.ClientSecret = flow.Intent.ClientSecret
	}
	return s, nil
}

func (s *Surface) FlowID() uuid.UUID { return s.flowID }

// OnSuccess registers fn to run once the appointment is booked.
func (s *Surface) OnSuccess(fn func(*Flow)) *Surface {
	s.onSuccess = fn
	return s
}

// OnClose registers fn to run when the patient dismisses the surface.
func (s *Surface) OnClose(fn func(*Flow)) *Surface {
	s.onClose = fn
	return s
}

func (s *Surface) Submit(ctx context.Context, details PaymentDetails) (*Flow, error) {
	flow, err := s.orch.Submit(ctx, s.sess, s.flowID, details)
	if err != nil {
		return flow, err
	}
	if s.onSuccess != nil {
		s.onSuccess(flow)
	}
	return flow, nil
}

// Close cancels the flow. Closing an already finished flow is a no-op.
func (s *Surface) Close(ctx context.Context) (*Flow, error) {
	flow, err := s.orch.Cancel(ctx, s.sess, s.flowID)
	if errors.Is(err, ErrInvalidTransition) {
		return s.orch.Get(ctx, s.sess, s.flowID)
	}
	if err != nil {
		return nil, err
	}
	if s.onClose != nil {
		s.onClose(flow)
	}
	return flow, nil
}
