// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/samber/oops"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/pluginhost/pkg/errutil"
)

// Dispatch modes, used as metric labels.
const (
	modeSingle    = "single"
	modeComposite = "composite"
	modeBatch     = "batch"
)

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (h *Handler) invocation(rec *Record, event string, params map[string]any) Invocation {
	if params == nil {
		params = map[string]any{}
	}
	config := rec.Configuration
	if config == nil {
		config = Configuration{}
	}
	inv := Invocation{
		HandlerID:     h.id,
		PluginID:      rec.ID,
		Event:         event,
		Params:        params,
		Configuration: config,
	}
	if rec.Header != nil {
		inv.Capabilities = rec.Header.Capabilities
	}
	return inv
}

// Run executes one plugin. An empty event invokes the plugin's run entry
// point. The plugin's run hooks are fired around the call. A script error
// removes the plugin.
func (h *Handler) Run(ctx context.Context, id string, params map[string]any, event string) (_ json.RawMessage, err error) {
	if err := ValidateID("plugin_id", id); err != nil {
		return nil, err
	}
	ctx, err = enter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "plugin.run",
		trace.WithAttributes(
			attribute.String("handler.id", h.id),
			attribute.String("plugin.id", id),
			attribute.String("plugin.event", event),
		),
	)
	defer func() { endSpan(span, err) }()

	rec, err := h.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUndefinedPlugin(id)
	}

	params = h.beforeRun(ctx, id, params)
	artifact, err := h.composer.Envelope(rec.Artifact, h.invocation(rec, event, params))
	if err != nil {
		return nil, ErrServerError(err)
	}
	raw, err := h.execute(ctx, artifact, modeSingle)
	if err != nil {
		return nil, err
	}
	out, err := h.settle(ctx, id, raw, modeSingle)
	if err != nil {
		return nil, err
	}
	return h.afterRun(ctx, id, params, out), nil
}

// Fire materializes loaders queued under event, then runs every listener.
// A listener's failure is reported inline under its id.
func (h *Handler) Fire(ctx context.Context, event string, params map[string]any) (Responses, error) {
	_, responses, err := h.fire(ctx, event, params)
	return responses, err
}

// fire is Fire that also returns the listeners in dispatch order.
func (h *Handler) fire(ctx context.Context, event string, params map[string]any) (_ IDSet, _ Responses, err error) {
	if err := ValidateEvent(event); err != nil {
		return nil, nil, err
	}
	ctx, err = enter(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctx, span := tracer.Start(ctx, "plugin.fire",
		trace.WithAttributes(
			attribute.String("handler.id", h.id),
			attribute.String("plugin.event", event),
		),
	)
	defer func() { endSpan(span, err) }()

	if err := h.FireLoadEvent(ctx, event); err != nil {
		return nil, nil, err
	}
	listeners, err := h.Listeners(ctx, event)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("plugin.listeners", len(listeners)))

	responses := make(Responses, len(listeners))
	if h.cfg.CompositeDispatch && len(listeners) > 1 {
		h.fireComposite(ctx, event, listeners, params, responses)
		return listeners, responses, nil
	}
	for _, id := range listeners {
		raw, err := h.Run(ctx, id, params, event)
		if err != nil {
			responses[id] = errorJSON(err)
			continue
		}
		responses[id] = raw
	}
	return listeners, responses, nil
}

// fireComposite runs every listener of event in one Runner call using the
// event's cached composite artifact.
func (h *Handler) fireComposite(ctx context.Context, event string, listeners IDSet, params map[string]any, responses Responses) {
	records := make([]*Record, 0, len(listeners))
	for _, id := range listeners {
		rec, err := h.loadRecord(ctx, id)
		switch {
		case err != nil:
			responses[id] = errorJSON(err)
		case rec == nil:
			responses[id] = errorJSON(ErrUndefinedPlugin(id))
		default:
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return
	}

	merged, err := h.composite(ctx, event, records)
	if err != nil {
		for _, rec := range records {
			responses[rec.ID] = errorJSON(err)
		}
		return
	}
	h.runMerged(ctx, merged, records, event, params, modeComposite, responses)
}

// composite returns the cached merged artifact for event, building it when
// the cache is empty.
func (h *Handler) composite(ctx context.Context, event string, records []*Record) (string, error) {
	key := h.keys.event(event)
	cached, err := h.store.Read(ctx, key, fieldComposite)
	if err != nil {
		return "", ErrServerError(err)
	}
	if cached != "" {
		return cached, nil
	}
	merged := h.composer.Merge(members(records))
	if err := h.store.Write(ctx, key, fieldComposite, merged); err != nil {
		return "", ErrServerError(err)
	}
	return merged, nil
}

func members(records []*Record) []Member {
	out := make([]Member, len(records))
	for i, rec := range records {
		out[i] = Member{ID: rec.ID, Artifact: rec.Artifact}
	}
	return out
}

// SendMessage delivers message to the plugins in to, or to every
// non-extended plugin except from when to is empty. Recipients are run in
// merged batches of at most BroadcastBatchSize.
func (h *Handler) SendMessage(ctx context.Context, from string, to []string, message any) (_ Responses, err error) {
	if from != "" {
		if err := ValidateID("from", from); err != nil {
			return nil, err
		}
	}
	for _, id := range to {
		if err := ValidateID("to", id); err != nil {
			return nil, err
		}
	}
	ctx, err = enter(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "plugin.send_message",
		trace.WithAttributes(
			attribute.String("handler.id", h.id),
			attribute.String("plugin.from", from),
			attribute.Bool("plugin.broadcast", len(to) == 0),
		),
	)
	defer func() { endSpan(span, err) }()

	recipients := IDSet(nil).Add(to...)
	if len(recipients) == 0 {
		recipients, err = h.broadcastRecipients(ctx, from)
		if err != nil {
			return nil, err
		}
	}

	params := map[string]any{"from": from, "message": message}
	responses := make(Responses, len(recipients))
	size := h.cfg.BroadcastBatchSize
	batches := 0
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		h.sendBatch(ctx, recipients[start:end], params, responses)
		batches++
	}
	span.SetAttributes(
		attribute.Int("plugin.recipients", len(recipients)),
		attribute.Int("plugin.batches", batches),
	)
	return responses, nil
}

// broadcastRecipients lists every non-extended plugin other than from.
func (h *Handler) broadcastRecipients(ctx context.Context, from string) (IDSet, error) {
	var keys []string
	for key, err := range h.store.Iterate(ctx, "plugin:"+h.id+":*") {
		if err != nil {
			return nil, ErrServerError(err)
		}
		keys = append(keys, key)
	}
	var recipients IDSet
	for _, key := range keys {
		id := h.keys.suffix("plugin", key)
		if id == from {
			continue
		}
		extended, err := h.store.Read(ctx, key, fieldExtended)
		if err != nil {
			return nil, ErrServerError(err)
		}
		if extended == "true" {
			continue
		}
		recipients = append(recipients, id)
	}
	return recipients, nil
}

func (h *Handler) sendBatch(ctx context.Context, batch IDSet, params map[string]any, responses Responses) {
	records := make([]*Record, 0, len(batch))
	for _, id := range batch {
		rec, err := h.loadRecord(ctx, id)
		switch {
		case err != nil:
			responses[id] = errorJSON(err)
		case rec == nil:
			responses[id] = errorJSON(ErrUndefinedPlugin(id))
		default:
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return
	}
	merged := h.composer.Merge(members(records))
	h.runMerged(ctx, merged, records, EventMessage, params, modeBatch, responses)
}

// runMerged runs a merged unit and splits the per-plugin results. If the unit
// fails as a whole, each member is retried on its own so a single broken
// artifact cannot take down its batch.
func (h *Handler) runMerged(ctx context.Context, merged string, records []*Record, event string, params map[string]any, mode string, responses Responses) {
	invs := make([]Invocation, len(records))
	for i, rec := range records {
		invs[i] = h.invocation(rec, event, params)
	}
	fail := func(err error) {
		for _, rec := range records {
			responses[rec.ID] = errorJSON(err)
		}
	}

	artifact, err := h.composer.MergedEnvelope(merged, invs)
	if err != nil {
		fail(ErrServerError(err))
		return
	}
	raw, err := h.execute(ctx, artifact, mode)
	if err != nil {
		fail(err)
		return
	}

	if _, desc, failed := resultFailure(raw); failed {
		h.logger.WarnContext(ctx, "merged run failed, running members individually",
			"mode", mode,
			"members", len(records),
			"error", desc)
		for _, rec := range records {
			out, err := h.Run(ctx, rec.ID, params, event)
			if err != nil {
				responses[rec.ID] = errorJSON(err)
				continue
			}
			responses[rec.ID] = out
		}
		return
	}

	results := map[string]string{}
	gjson.Get(raw, "results").ForEach(func(key, value gjson.Result) bool {
		results[key.String()] = value.Raw
		return true
	})
	for _, rec := range records {
		result, ok := results[rec.ID]
		if !ok {
			result = "null"
		}
		out, err := h.settle(ctx, rec.ID, result, mode)
		if err != nil {
			responses[rec.ID] = errorJSON(err)
			continue
		}
		responses[rec.ID] = out
	}
}

// execute calls the Runner under the rate limit and deadline.
func (h *Handler) execute(ctx context.Context, artifact, mode string) (string, error) {
	if err := h.RunnerLock(ctx); err != nil {
		return "", err
	}
	defer h.touchRunner(ctx)

	runCtx := ctx
	if h.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := h.runner.Run(runCtx, artifact)
	RunnerDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			PluginRuns.WithLabelValues(mode, StatusTimeout).Inc()
			return "", ErrRunnerTimeout(h.cfg.RunTimeout)
		}
		PluginRuns.WithLabelValues(mode, StatusError).Inc()
		return "", ErrServerError(err)
	}
	return out, nil
}

// settle interprets one plugin's result. Script errors remove the plugin.
func (h *Handler) settle(ctx context.Context, id, raw, mode string) (json.RawMessage, error) {
	code, desc, failed := resultFailure(raw)
	if !failed {
		PluginRuns.WithLabelValues(mode, StatusSuccess).Inc()
		return normalizeResult(raw), nil
	}

	switch code {
	case CodeScriptError:
		PluginRuns.WithLabelValues(mode, StatusScriptError).Inc()
		if !isRemoving(ctx, id) {
			h.logger.WarnContext(ctx, "removing plugin after script error",
				"plugin", id,
				"error", desc)
			if err := h.Remove(ctx, id); err != nil {
				errutil.LogError(h.logger.With("plugin", id), "failed to remove faulted plugin", err)
			}
		}
		return nil, ErrScriptError(id, desc)
	case CodeUndefinedFunction:
		PluginRuns.WithLabelValues(mode, StatusError).Inc()
		return nil, ErrUndefinedFunction(id, desc)
	default:
		PluginRuns.WithLabelValues(mode, StatusError).Inc()
		return nil, oops.Code(code).With("plugin_id", id).Errorf("%s", desc)
	}
}

// normalizeResult returns raw as JSON, quoting it when the Runner produced
// plain text.
func normalizeResult(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("null")
	}
	if gjson.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(raw)
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}
