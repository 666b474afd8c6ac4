package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/m-demetrio/ZapOrganic-CRM/bridge"
	"github.com/m-demetrio/ZapOrganic-CRM/bus"
	"github.com/m-demetrio/ZapOrganic-CRM/core"
	"github.com/m-demetrio/ZapOrganic-CRM/engine"
	"github.com/m-demetrio/ZapOrganic-CRM/loader"
	"github.com/m-demetrio/ZapOrganic-CRM/mediastore"
	"github.com/m-demetrio/ZapOrganic-CRM/webhook"
)

// Exit codes returned to the shell.
const (
	exitSuccess      = 0
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitTimeout      = 10
)

// NewRunCmd creates the "run" subcommand: it rehearses a funnel from a
// document file against the in-process loopback bridge, printing every
// run event as it happens.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Rehearse a funnel file against the loopback bridge",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("funnel", "", "Funnel id to run (default: first funnel in the file)")
	cmd.Flags().String("chat", "rehearsal", "Chat id the rehearsal sends to")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Rehearsal timeout")
	cmd.Flags().Bool("no-wait", false, "Zero out every step delay")
	cmd.Flags().Bool("webhooks", false, "Deliver real webhook posts during the rehearsal")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	out := cmd.OutOrStdout()

	funnelID, _ := cmd.Flags().GetString("funnel")
	chatID, _ := cmd.Flags().GetString("chat")
	format, _ := cmd.Flags().GetString("format")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	noWait, _ := cmd.Flags().GetBool("no-wait")
	realWebhooks, _ := cmd.Flags().GetBool("webhooks")

	doc, err := loadDocument(filePath)
	if err != nil {
		return err
	}
	if chatID == "" {
		return exitError(exitValidation, "--chat must not be empty")
	}

	funnel, err := pickFunnel(doc, funnelID)
	if err != nil {
		return err
	}
	if noWait {
		funnel = zeroDelays(funnel)
	}

	settings := doc.IntegrationSettings
	if !realWebhooks {
		// Rehearsals stay offline unless asked otherwise.
		settings.EnableWebhook = false
	}

	eng, err := rehearsalEngine(funnel)
	if err != nil {
		return err
	}

	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	unsub := bus.Connect(eng, b)
	defer unsub()
	sub := b.SubscribeAll()
	defer sub.Close()

	runID := eng.RunFunnel(cmd.Context(), engine.RunInput{
		Funnel:   funnel,
		ChatID:   chatID,
		Lead:     core.LeadCard{ChatID: chatID},
		Settings: settings,
	})

	timedOut := false
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return exitError(exitRuntime, "event stream closed before the run finished")
			}
			printEvent(out, event, format)
			if event.Kind != bus.KindFinished {
				continue
			}
			switch {
			case timedOut:
				return exitError(exitTimeout, "rehearsal timed out after %s", timeout)
			case event.Status == string(core.RunCompleted):
				return nil
			default:
				return exitError(exitRuntime, "run %s ended %s: %s", runID, event.Status, event.Error)
			}
		case <-deadline:
			timedOut = true
			eng.Cancel(runID)
		}
	}
}

// loadDocument reads and validates a funnel document, translating the
// loader's failure modes into exit codes.
func loadDocument(path string) (*loader.Document, error) {
	doc, err := loader.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", path)
		}
		var verr *loader.ValidationError
		if errors.As(err, &verr) {
			return nil, exitError(exitValidation, "%s", formatProblems(verr.Problems))
		}
		return nil, exitError(exitValidation, "loading %s: %v", path, err)
	}
	return doc, nil
}

func pickFunnel(doc *loader.Document, id string) (core.Funnel, error) {
	if len(doc.Funnels) == 0 {
		return core.Funnel{}, exitError(exitValidation, "document contains no funnels")
	}
	if id == "" {
		return doc.Funnels[0], nil
	}
	for _, f := range doc.Funnels {
		if f.ID == id {
			return f, nil
		}
	}
	return core.Funnel{}, exitError(exitValidation, "funnel %q not found in document", id)
}

func zeroDelays(funnel core.Funnel) core.Funnel {
	steps := make([]core.FunnelStep, len(funnel.Steps))
	copy(steps, funnel.Steps)
	zero := 0
	for i := range steps {
		steps[i].DelaySec = &zero
		steps[i].DelayExpr = ""
	}
	funnel.Steps = steps
	return funnel
}

// rehearsalEngine builds an engine over the loopback bridge. Every media
// reference in the funnel is seeded into an in-memory store with a
// placeholder payload so media steps exercise the full dispatch path.
func rehearsalEngine(funnel core.Funnel) (*engine.Engine, error) {
	loop := bridge.NewLoopback()
	client, err := bridge.NewClient(loop)
	if err != nil {
		return nil, exitError(exitRuntime, "bridge client: %v", err)
	}
	loop.Bind(func(resp bridge.Response) { client.Deliver(resp) })

	media := mediastore.NewMemStore()
	for _, step := range funnel.Steps {
		if !step.Type.Media() || step.MediaID == "" {
			continue
		}
		payload := core.MediaPayload{
			ID:          step.MediaID,
			MimeType:    placeholderMime(step.Type),
			FileName:    step.FileName,
			Data:        []byte("rehearsal placeholder"),
			DurationSec: step.MediaDurationSec,
		}
		if _, err := media.Put(context.Background(), payload); err != nil {
			return nil, exitError(exitRuntime, "seeding media %s: %v", step.MediaID, err)
		}
	}

	store := memLeadSink{}
	eng, err := engine.New(engine.Options{
		Bridge:   client,
		Leads:    store,
		Media:    bridge.NewMediaResolver(bridge.MediaResolverConfig{Local: media}),
		Webhooks: webhook.NewDispatcher(),
	})
	if err != nil {
		return nil, exitError(exitRuntime, "engine: %v", err)
	}
	return eng, nil
}

// memLeadSink accepts lead writes during rehearsal and drops them.
type memLeadSink struct{}

func (memLeadSink) Save(_ context.Context, _ core.LeadCard) error { return nil }

func placeholderMime(t core.StepType) string {
	switch t {
	case core.StepAudio, core.StepPTT:
		return "audio/ogg"
	case core.StepVideo, core.StepPTV:
		return "video/mp4"
	case core.StepImage:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func printEvent(w io.Writer, event bus.Event, format string) {
	if format == "json" {
		enc := json.NewEncoder(w)
		_ = enc.Encode(event)
		return
	}
	switch event.Kind {
	case bus.KindStepStart:
		fmt.Fprintf(w, "step %d start type=%s delay=%ds\n", event.StepIndex, event.StepType, event.ResolvedDelaySec)
	case bus.KindStepDone:
		fmt.Fprintf(w, "step %d done type=%s\n", event.StepIndex, event.StepType)
	case bus.KindError:
		fmt.Fprintf(w, "step %d error type=%s: %s\n", event.StepIndex, event.StepType, event.Error)
	case bus.KindFinished:
		fmt.Fprintf(w, "run %s %s\n", event.RunID, event.Status)
	}
}

func formatProblems(problems []string) string {
	if len(problems) == 0 {
		return "validation failed"
	}
	msg := "validation failed:"
	for _, p := range problems {
		msg += "\n  " + p
	}
	return msg
}
