// Package core provides the foundational types for ZapOrganic funnels.
//
// This package contains:
//   - Funnel and FunnelStep: the ordered outbound messaging script
//   - LeadCard: the CRM record a run mutates during tag steps
//   - IntegrationSettings: read-only run configuration
//   - MediaPayload and SendResult: the values exchanged with the bridge
package core

import (
	"strings"
	"time"
)

// StepType identifies what a funnel step does.
// The set of types is intentionally small and matches the step editor.
type StepType string

const (
	StepText    StepType = "text"
	StepDelay   StepType = "delay"
	StepTag     StepType = "tag"
	StepWebhook StepType = "webhook"
	StepAudio   StepType = "audio"
	StepPTT     StepType = "ptt"
	StepPTV     StepType = "ptv"
	StepImage   StepType = "image"
	StepVideo   StepType = "video"
	StepFile    StepType = "file"
)

// String returns the string representation of the StepType.
func (t StepType) String() string {
	return string(t)
}

// Known reports whether t is one of the supported step types.
func (t StepType) Known() bool {
	switch t {
	case StepText, StepDelay, StepTag, StepWebhook,
		StepAudio, StepPTT, StepPTV, StepImage, StepVideo, StepFile:
		return true
	}
	return false
}

// Sending reports whether the step pushes content to the remote party.
// Sending steps get the humanized delay fallback.
func (t StepType) Sending() bool {
	return t == StepText || t.Media()
}

// Media reports whether the step dispatches a file through the bridge.
func (t StepType) Media() bool {
	switch t {
	case StepAudio, StepPTT, StepPTV, StepImage, StepVideo, StepFile:
		return true
	}
	return false
}

// DurationMode selects where a media step's delay duration comes from.
type DurationMode string

const (
	DurationManual   DurationMode = "manual"
	DurationFromFile DurationMode = "file"
)

// FunnelStep is one entry in a funnel's ordered script.
// Only the fields relevant to the step's Type are consulted.
type FunnelStep struct {
	ID   string   `json:"id" yaml:"id" bson:"id"`
	Type StepType `json:"type" yaml:"type" bson:"type"`

	// Text step.
	Text string `json:"text,omitempty" yaml:"text,omitempty" bson:"text,omitempty"`

	// Delay resolution inputs (any step may carry them).
	DelaySec  *int   `json:"delaySec,omitempty" yaml:"delaySec,omitempty" bson:"delaySec,omitempty"`
	DelayExpr string `json:"delayExpr,omitempty" yaml:"delayExpr,omitempty" bson:"delayExpr,omitempty"`

	// Tag step.
	AddTags []string `json:"addTags,omitempty" yaml:"addTags,omitempty" bson:"addTags,omitempty"`

	// Webhook step.
	WebhookEvent    string         `json:"webhookEvent,omitempty" yaml:"webhookEvent,omitempty" bson:"webhookEvent,omitempty"`
	PayloadTemplate map[string]any `json:"payloadTemplate,omitempty" yaml:"payloadTemplate,omitempty" bson:"payloadTemplate,omitempty"`

	// Media steps. MediaID is an opaque reference into the media collaborator.
	MediaID           string       `json:"mediaId,omitempty" yaml:"mediaId,omitempty" bson:"mediaId,omitempty"`
	MediaCaption      string       `json:"mediaCaption,omitempty" yaml:"mediaCaption,omitempty" bson:"mediaCaption,omitempty"`
	FileName          string       `json:"fileName,omitempty" yaml:"fileName,omitempty" bson:"fileName,omitempty"`
	MediaDurationMode DurationMode `json:"mediaDurationMode,omitempty" yaml:"mediaDurationMode,omitempty" bson:"mediaDurationMode,omitempty"`
	MediaDurationSec  int          `json:"mediaDurationSec,omitempty" yaml:"mediaDurationSec,omitempty" bson:"mediaDurationSec,omitempty"`
}

// Funnel is an ordered script of steps describing an automated outbound
// interaction for one chat. Step array order is execution order and is
// immutable once a run starts.
type Funnel struct {
	ID          string       `json:"id" yaml:"id" bson:"id"`
	Name        string       `json:"name" yaml:"name" bson:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty" bson:"description,omitempty"`
	Steps       []FunnelStep `json:"steps" yaml:"steps" bson:"steps"`
}

// Lane is the CRM pipeline stage of a lead.
type Lane string

const (
	LaneNew       Lane = "novo"
	LaneQualified Lane = "qualificado"
	LaneProposal  Lane = "proposta"
	LaneClosed    Lane = "fechado"
)

// LeadCard tracks tags and pipeline stage for a chat. The engine owns it
// only transiently during a tag step; canonical storage lives in the
// storage collaborator.
type LeadCard struct {
	ID           string    `json:"id" yaml:"id" bson:"_id"`
	ChatID       string    `json:"chatId" yaml:"chatId" bson:"chatId"`
	Title        string    `json:"title" yaml:"title" bson:"title"`
	Lane         Lane      `json:"laneId" yaml:"laneId" bson:"laneId"`
	Tags         []string  `json:"tags" yaml:"tags" bson:"tags"`
	Notes        string    `json:"notes,omitempty" yaml:"notes,omitempty" bson:"notes,omitempty"`
	LastUpdateAt time.Time `json:"lastUpdateAt" yaml:"lastUpdateAt" bson:"lastUpdateAt"`
}

// Key returns the storage key for the lead: its id, falling back to the
// chat id for cards created ad hoc from a conversation.
func (l LeadCard) Key() string {
	if l.ID != "" {
		return l.ID
	}
	return l.ChatID
}

// Clone returns a copy with an independent tag slice.
func (l LeadCard) Clone() LeadCard {
	out := l
	out.Tags = make([]string, len(l.Tags))
	copy(out.Tags, l.Tags)
	return out
}

// HasTag reports whether the lead already carries the tag.
func (l LeadCard) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NormalizeTags trims each tag and drops empties and duplicates,
// preserving first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// MergeTags unions the given tags into the lead's tag set and bumps the
// last-update timestamp. The input lead is not modified. Tags are
// deduplicated on every mutation.
func MergeTags(lead LeadCard, tags []string, now time.Time) LeadCard {
	normalized := NormalizeTags(tags)
	if len(normalized) == 0 {
		return lead
	}

	out := lead.Clone()
	for _, tag := range normalized {
		if !out.HasTag(tag) {
			out.Tags = append(out.Tags, tag)
		}
	}
	out.LastUpdateAt = now
	return out
}

// IntegrationSettings is read-only input to a run.
type IntegrationSettings struct {
	WebhookURL      string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty" bson:"webhookUrl,omitempty"`
	WebhookSecret   string `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty" bson:"webhookSecret,omitempty"`
	EnableWebhook   bool   `json:"enableWebhook" yaml:"enableWebhook" bson:"enableWebhook"`
	DefaultDelaySec int    `json:"defaultDelaySec,omitempty" yaml:"defaultDelaySec,omitempty" bson:"defaultDelaySec,omitempty"`
}

// RunStatus is the terminal state of a funnel run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error"
)

// MediaPayload is a resolved binary attachment ready for dispatch.
type MediaPayload struct {
	ID          string `json:"id" bson:"_id"`
	MimeType    string `json:"mimeType,omitempty" bson:"mimeType,omitempty"`
	FileName    string `json:"fileName,omitempty" bson:"fileName,omitempty"`
	Data        []byte `json:"data" bson:"data"`
	DurationSec int    `json:"durationSec,omitempty" bson:"durationSec,omitempty"`
}

// SendResult is the bridge's verdict for a send request.
type SendResult struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}
