package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/bridge"
	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// presenceCapMs bounds the duration hint sent with a presence mark.
const presenceCapMs = 10_000

type presenceKind int

const (
	presenceNone presenceKind = iota
	presenceComposing
	presenceRecording
)

// run drives one funnel sequence to a terminal state. Steps execute in
// array order, strictly sequential, fail-fast: the first failure aborts
// all remaining steps. The handle is removed from the registry before
// the finished event fires.
func (e *Engine) run(ctx context.Context, h *runHandle, in RunInput) {
	lead := in.Lead.Clone()

	if in.ChatID == "" {
		h.setErr(ErrMissingChatID)
		e.errored.emit(ErrorEvent{
			StepEvent: StepEvent{
				RunID:    h.id,
				FunnelID: in.Funnel.ID,
				Lead:     lead.Clone(),
				Time:     e.now(),
			},
			Err: ErrMissingChatID,
		})
	} else {
		lead = e.runSteps(ctx, h, in, lead)
	}

	cancelled, runErr := h.state()
	status := core.RunCompleted
	switch {
	case cancelled:
		status = core.RunCancelled
	case runErr != nil:
		status = core.RunError
	}

	e.registry.remove(h.id)
	e.finished.emit(FinishedEvent{
		RunID:    h.id,
		FunnelID: in.Funnel.ID,
		ChatID:   in.ChatID,
		Lead:     lead,
		Time:     e.now(),
		Status:   status,
		Err:      runErr,
	})
	e.logger.Info("run finished", "runId", h.id, "status", status)
}

func (e *Engine) runSteps(ctx context.Context, h *runHandle, in RunInput, lead core.LeadCard) core.LeadCard {
	for index, step := range in.Funnel.Steps {
		if h.checkpoint() != nil {
			break
		}

		delaySec := 0
		if stepWaits(step.Type) {
			delaySec = e.resolveDelay(step, in.Settings)
		}

		e.stepStart.emit(e.stepEvent(h.id, in, index, step, lead, delaySec))

		err := e.executeStep(ctx, h, in, step, &lead, delaySec)
		if errors.Is(err, errRunCancelled) {
			break
		}
		if err != nil {
			h.setErr(err)
			e.errored.emit(ErrorEvent{
				StepEvent: e.stepEvent(h.id, in, index, step, lead, delaySec),
				Err:       err,
			})
			e.logger.Error("step failed", "runId", h.id, "stepId", step.ID, "error", err)
			break
		}

		// A cancel that landed while the step body ran suppresses
		// step-done; the run still ends cancelled.
		if cancelled, _ := h.state(); cancelled {
			break
		}

		e.stepDone.emit(e.stepEvent(h.id, in, index, step, lead, delaySec))
	}
	return lead
}

// stepWaits reports whether the step type observes the resolved delay.
// Tag and webhook steps execute immediately.
func stepWaits(t core.StepType) bool {
	return t == core.StepDelay || t.Sending()
}

func (e *Engine) executeStep(ctx context.Context, h *runHandle, in RunInput, step core.FunnelStep, lead *core.LeadCard, delaySec int) error {
	switch {
	case step.Type == core.StepText:
		return e.textStep(ctx, h, in, step, delaySec)
	case step.Type == core.StepDelay:
		return h.wait(time.Duration(delaySec) * time.Second)
	case step.Type == core.StepTag:
		return e.tagStep(ctx, step, lead)
	case step.Type == core.StepWebhook:
		return e.webhookStep(ctx, h.id, in, step, *lead)
	case step.Type.Media():
		return e.mediaStep(ctx, h, in, step, delaySec)
	default:
		e.logger.Warn("skipping unknown step type", "stepId", step.ID, "type", step.Type)
		return nil
	}
}

func (e *Engine) textStep(ctx context.Context, h *runHandle, in RunInput, step core.FunnelStep, delaySec int) error {
	text := strings.TrimSpace(step.Text)
	if text == "" {
		e.logger.Warn("skipping text step with empty message", "stepId", step.ID)
		return nil
	}

	return e.withPresence(ctx, in.ChatID, presenceComposing, delaySec, func() error {
		if err := h.wait(time.Duration(delaySec) * time.Second); err != nil {
			return err
		}
		result, err := e.bridge.SendText(ctx, in.ChatID, text)
		if err != nil {
			return err
		}
		if !result.OK {
			if result.Error != "" {
				return fmt.Errorf("%w: %s", ErrSendMessageFailed, result.Error)
			}
			return ErrSendMessageFailed
		}
		return nil
	})
}

func (e *Engine) tagStep(ctx context.Context, step core.FunnelStep, lead *core.LeadCard) error {
	tags := core.NormalizeTags(step.AddTags)
	if len(tags) == 0 {
		e.logger.Warn("skipping tag step with no tags", "stepId", step.ID)
		return nil
	}
	if e.leads == nil {
		return errors.New("lead store not configured")
	}

	merged := core.MergeTags(*lead, tags, e.now())
	if err := e.leads.Save(ctx, merged); err != nil {
		return fmt.Errorf("persist lead %s: %w", merged.Key(), err)
	}
	*lead = merged
	return nil
}

func (e *Engine) webhookStep(ctx context.Context, runID string, in RunInput, step core.FunnelStep, lead core.LeadCard) error {
	if !in.Settings.EnableWebhook {
		e.logger.Warn("webhook disabled, skipping step", "stepId", step.ID)
		return nil
	}
	if in.Settings.WebhookURL == "" {
		e.logger.Warn("webhook url missing, skipping step", "stepId", step.ID)
		return nil
	}
	if e.webhooks == nil {
		return errors.New("webhook dispatcher not configured")
	}

	event := step.WebhookEvent
	if event == "" {
		event = "step"
	}
	var template any
	if step.PayloadTemplate != nil {
		template = step.PayloadTemplate
	}
	body := map[string]any{
		"runId":                   runID,
		"chatId":                  in.ChatID,
		"funnelId":                in.Funnel.ID,
		"stepId":                  step.ID,
		"event":                   event,
		"ts":                      e.now().UnixMilli(),
		"lead":                    lead,
		"payloadTemplateResolved": template,
	}
	return e.webhooks.Post(ctx, in.Settings.WebhookURL, in.Settings.WebhookSecret, body)
}

func (e *Engine) mediaStep(ctx context.Context, h *runHandle, in RunInput, step core.FunnelStep, delaySec int) error {
	if e.media == nil {
		return errors.New("media resolver not configured")
	}
	media, err := e.media.Resolve(ctx, step.MediaID)
	if err != nil {
		return err
	}

	presence := presenceNone
	if step.Type == core.StepPTT {
		presence = presenceRecording
	}

	return e.withPresence(ctx, in.ChatID, presence, delaySec, func() error {
		if err := h.wait(time.Duration(delaySec) * time.Second); err != nil {
			return err
		}

		opts := fileOptions(step, media)
		result, err := e.bridge.SendFile(ctx, in.ChatID, media, opts)
		if err == nil && result.OK {
			return nil
		}

		// Video sends get one fallback dispatch forcing the video type
		// in case the mime-inferred kind was rejected.
		if step.Type == core.StepVideo && opts.Kind != bridge.FileKindVideo {
			opts.Kind = bridge.FileKindVideo
			result, err = e.bridge.SendFile(ctx, in.ChatID, media, opts)
			if err == nil && result.OK {
				return nil
			}
		}

		if err != nil {
			return fmt.Errorf("%w: %v", ErrSendFileFailed, err)
		}
		if result.Error != "" {
			return fmt.Errorf("%w: %s", ErrSendFileFailed, result.Error)
		}
		return ErrSendFileFailed
	})
}

// fileOptions infers the send-file dispatch options from the step type
// and resolved payload.
func fileOptions(step core.FunnelStep, media core.MediaPayload) bridge.FileOptions {
	opts := bridge.FileOptions{
		Caption:  step.MediaCaption,
		FileName: step.FileName,
	}
	if opts.FileName == "" {
		opts.FileName = media.FileName
	}

	switch step.Type {
	case core.StepPTT:
		opts.Kind = bridge.FileKindAudio
		opts.IsPTT = true
	case core.StepPTV:
		opts.Kind = bridge.FileKindVideo
		opts.IsPTV = true
	case core.StepAudio:
		opts.Kind = bridge.FileKindAudio
	case core.StepImage:
		opts.Kind = bridge.FileKindImage
	case core.StepVideo:
		opts.Kind = kindFromMime(media.MimeType)
	default:
		opts.Kind = bridge.FileKindDocument
	}
	return opts
}

func kindFromMime(mime string) bridge.FileKind {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return bridge.FileKindVideo
	case strings.HasPrefix(mime, "image/"):
		return bridge.FileKindImage
	case strings.HasPrefix(mime, "audio/"):
		return bridge.FileKindAudio
	default:
		return bridge.FileKindDocument
	}
}

// withPresence brackets fn with a presence start signal and an
// unconditional stop. A failed start is logged, never fatal, so a
// presence hiccup cannot abort a send.
func (e *Engine) withPresence(ctx context.Context, chatID string, kind presenceKind, delaySec int, fn func() error) error {
	if kind == presenceNone {
		return fn()
	}

	durationMs := delaySec * 1000
	if durationMs <= 0 || durationMs > presenceCapMs {
		durationMs = presenceCapMs
	}

	var err error
	switch kind {
	case presenceComposing:
		err = e.bridge.MarkComposing(ctx, chatID, durationMs)
	case presenceRecording:
		err = e.bridge.MarkRecording(ctx, chatID, durationMs)
	}
	if err != nil {
		e.logger.Warn("presence start failed", "chatId", chatID, "error", err)
	}

	defer func() {
		if err := e.bridge.MarkPaused(context.WithoutCancel(ctx), chatID); err != nil {
			e.logger.Warn("presence stop failed", "chatId", chatID, "error", err)
		}
	}()

	return fn()
}

func (e *Engine) stepEvent(runID string, in RunInput, index int, step core.FunnelStep, lead core.LeadCard, delaySec int) StepEvent {
	return StepEvent{
		RunID:            runID,
		FunnelID:         in.Funnel.ID,
		ChatID:           in.ChatID,
		StepID:           step.ID,
		StepIndex:        index,
		Step:             step,
		Lead:             lead.Clone(),
		Time:             e.now(),
		ResolvedDelaySec: delaySec,
	}
}
