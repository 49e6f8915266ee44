package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

// RunSegmentation asks the prompted-segmentation service to segment at
// the given prompt. The result arrives asynchronously as an
// object-added push, not as the reply.
func (s *Session) RunSegmentation(ctx context.Context, prompt wire.SegmentationPayload) error {
	c, err := s.requireService(ServicePromptedSegmentation)
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeRunSegmentation, prompt)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, msg)
	return err
}

// SelectPromptedModel preselects the model used by subsequent prompted
// segmentation runs.
func (s *Session) SelectPromptedModel(ctx context.Context, model string) error {
	c, err := s.requireService(ServicePromptedSegmentation)
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeSelectPromptedModel, wire.ModelSelectionPayload{Model: model})
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// RunCompletion triggers completion segmentation for the current image.
func (s *Session) RunCompletion(ctx context.Context) error {
	c, err := s.requireService(ServiceCompletionSegmentation)
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeRunCompletion, nil)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, msg)
	return err
}

// SelectCompletionModel preselects the model used by completion runs.
func (s *Session) SelectCompletionModel(ctx context.Context, model string) error {
	c, err := s.requireService(ServiceCompletionSegmentation)
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeSelectCompletionModel, wire.ModelSelectionPayload{Model: model})
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// RunSemantic triggers semantic segmentation for the current image.
func (s *Session) RunSemantic(ctx context.Context) error {
	c, err := s.requireService(ServiceSemanticSegmentation)
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeRunSemantic, nil)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, msg)
	return err
}

// AddObject submits a new annotation object and returns the
// server-assigned contour id from the reply. The authoritative record
// still arrives as an object-added push, which the bound store applies
// idempotently.
func (s *Session) AddObject(ctx context.Context, obj wire.ContourPayload) (int64, error) {
	c, err := s.requireReady()
	if err != nil {
		return 0, err
	}
	msg, err := wire.NewMessage(wire.TypeAddObject, obj)
	if err != nil {
		return 0, err
	}
	data, err := c.Request(ctx, msg)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var reply wire.ContourPayload
	if err := json.Unmarshal(data, &reply); err != nil {
		return 0, fmt.Errorf("malformed add-object reply: %w", err)
	}
	return reply.Key(), nil
}

// ModifyObject sends a correlated modify request carrying only the
// changed fields of an object. The error return distinguishes server
// rejection so optimistic local edits can be rolled back.
func (s *Session) ModifyObject(ctx context.Context, contourID int64, delta map[string]any) error {
	c, err := s.requireReady()
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(delta)+1)
	for k, v := range delta {
		payload[k] = v
	}
	payload["contour_id"] = contourID
	msg, err := wire.NewMessage(wire.TypeModifyObject, payload)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, msg)
	return err
}

// DeleteObject requests deletion of an object. This is deliberately not
// correlated: the confirmation arrives later as an object-removed push
// addressed to every session participant, never as a direct reply.
func (s *Session) DeleteObject(ctx context.Context, contourID int64) error {
	c, err := s.requireReady()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeDeleteObject, wire.RefinementPayload{ContourID: contourID})
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// FinalizeObject marks an object as reviewed and final.
func (s *Session) FinalizeObject(ctx context.Context, contourID int64) error {
	c, err := s.requireReady()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.TypeFinalizeObject, wire.RefinementPayload{ContourID: contourID})
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, msg)
	return err
}

// FocusImage notifies the backend that this user is actively viewing
// the image. Fire-and-forget.
func (s *Session) FocusImage(ctx context.Context) error {
	return s.notify(ctx, wire.TypeFocusImage, nil)
}

// UnfocusImage notifies the backend that this user stopped viewing the
// image. Fire-and-forget.
func (s *Session) UnfocusImage(ctx context.Context) error {
	return s.notify(ctx, wire.TypeUnfocusImage, nil)
}

// SelectRefinementObject enters refinement mode on an object.
func (s *Session) SelectRefinementObject(ctx context.Context, contourID int64) error {
	return s.notify(ctx, wire.TypeSelectRefinementObject, wire.RefinementPayload{ContourID: contourID})
}

// UnselectRefinementObject leaves refinement mode on an object.
func (s *Session) UnselectRefinementObject(ctx context.Context, contourID int64) error {
	return s.notify(ctx, wire.TypeUnselectRefinementObject, wire.RefinementPayload{ContourID: contourID})
}

func (s *Session) notify(ctx context.Context, msgType string, payload any) error {
	c, err := s.requireReady()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := c.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", zap.String("type", msgType), zap.Error(err))
		return err
	}
	return nil
}
