// FilePath: internal/router/router.go
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gxplatform/gxp-ingest/internal/assembly"
	"github.com/gxplatform/gxp-ingest/internal/command"
	"github.com/gxplatform/gxp-ingest/internal/config"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/handshake"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/mqtt"
	"github.com/gxplatform/gxp-ingest/internal/wire"
	nuts "github.com/vaudience/go-nuts"
)

const (
	auditQueueDepth  = 1024
	statusQueueDepth = 256
	statusWorkers    = 4
)

type jobKind int

const (
	jobStatus jobKind = iota
	jobAck
)

type job struct {
	kind   jobKind
	hwID   string
	status *wire.StatusMessage
	ack    *wire.AckMessage
	raw    models.JSONMap
}

// Router classifies inbound bus traffic and feeds the assembly manager,
// the handshake and the command poller. The transport callback never
// blocks: it parses, enqueues the audit entry and hands off through
// bounded queues, dropping with BACKPRESSURE_DROP when a queue is full.
// It also owns the publish side, so every outbound message is audit-logged
// the same way.
type Router struct {
	client    mqtt.Client
	hub       *hubservice.HubService
	manager   *assembly.Manager
	handshake *handshake.Handshake
	poller    *command.Poller
	cfg       config.MQTTConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	auditCh  chan *models.AuditEntry
	statusCh chan job
}

func New(
	client mqtt.Client,
	hub *hubservice.HubService,
	manager *assembly.Manager,
	hs *handshake.Handshake,
	poller *command.Poller,
	cfg config.MQTTConfig,
) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		client:    client,
		hub:       hub,
		manager:   manager,
		handshake: hs,
		poller:    poller,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		auditCh:   make(chan *models.AuditEntry, auditQueueDepth),
		statusCh:  make(chan job, statusQueueDepth),
	}
}

// Start subscribes to the device topic patterns and launches the audit and
// status workers.
func (r *Router) Start() error {
	r.wg.Add(1)
	go r.runAuditWorker()
	for i := 0; i < statusWorkers; i++ {
		r.wg.Add(1)
		go r.runStatusWorker()
	}

	for _, pattern := range []string{
		r.cfg.TopicPatternStatus,
		r.cfg.TopicPatternData,
		r.cfg.TopicPatternAck,
	} {
		if err := r.client.Subscribe(pattern, r.handleInbound); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts down the worker queues after the transport has stopped
// delivering callbacks. Queued work is abandoned; audit rows are
// best-effort by design.
func (r *Router) Stop() {
	r.cancel()
	r.wg.Wait()
}

// handleInbound runs on the transport callback goroutine.
func (r *Router) handleInbound(topic string, payload []byte) {
	hwID, channel, topicErr := wire.ParseTopic(topic)

	raw, parseErr := wire.ParseJSON(payload)
	r.audit(topic, "in", scrubForAudit(channel, raw, payload))

	if topicErr != nil {
		r.reportAsync(errors.New(errors.CodeBadTopic, "invalid inbound topic "+topic, topicErr))
		return
	}
	if parseErr != nil {
		r.reportAsync(errors.New(errors.CodeParseFail, "inbound JSON unparseable", parseErr).WithDevice(hwID))
		return
	}
	if r.hub.Metrics != nil {
		r.hub.Metrics.MessagesIn.WithLabelValues(string(channel)).Inc()
	}

	switch channel {
	case wire.ChannelStatus:
		msg := &wire.StatusMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			r.reportAsync(errors.New(errors.CodeParseFail, "status message unparseable", err).WithDevice(hwID))
			return
		}
		r.enqueueJob(job{kind: jobStatus, hwID: hwID, status: msg, raw: raw})

	case wire.ChannelData:
		r.dispatchData(hwID, payload, raw)

	case wire.ChannelAck:
		msg := &wire.AckMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			r.reportAsync(errors.New(errors.CodeParseFail, "ack message unparseable", err).WithDevice(hwID))
			return
		}
		msg.Raw = raw
		r.enqueueJob(job{kind: jobAck, hwID: hwID, ack: msg, raw: raw})

	default:
		nuts.L.Debugf("[Router] [%s] Message on unhandled channel %s dropped", hwID, channel)
	}
}

func (r *Router) dispatchData(hwID string, payload []byte, raw models.JSONMap) {
	switch wire.ClassifyData(raw) {
	case wire.KindChunk:
		msg := &wire.ChunkMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			r.reportAsync(errors.New(errors.CodeParseFail, "chunk message unparseable", err).WithDevice(hwID))
			return
		}
		if !r.manager.OfferChunk(hwID, msg) {
			r.dropBackpressure(hwID)
		}

	case wire.KindMetadata:
		msg := &wire.MetadataMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			r.reportAsync(errors.New(errors.CodeParseFail, "metadata message unparseable", err).WithDevice(hwID))
			return
		}
		if !r.manager.OfferMetadata(hwID, msg) {
			r.dropBackpressure(hwID)
		}

	default:
		// Common during device retransmission bursts; not an error.
		nuts.L.Debugf("[Router] [%s] Unclassifiable data payload dropped", hwID)
		if r.hub.Metrics != nil {
			r.hub.Metrics.Drops.WithLabelValues("unclassified").Inc()
		}
	}
}

func (r *Router) enqueueJob(j job) {
	select {
	case r.statusCh <- j:
	default:
		r.dropBackpressure(j.hwID)
	}
}

func (r *Router) dropBackpressure(hwID string) {
	if r.hub.Metrics != nil {
		r.hub.Metrics.Drops.WithLabelValues("backpressure").Inc()
	}
	r.reportAsync(errors.New(errors.CodeBackpressureDrop, "device queue full, message dropped", nil).WithDevice(hwID))
}

// reportAsync persists the error off the transport callback goroutine.
// Emission of the rate-limited kinds is deduplicated inside ReportError
// when a cache is configured.
func (r *Router) reportAsync(ingErr *errors.IngestError) {
	go r.hub.ReportError(r.ctx, ingErr)
}

// PublishAck sends a message to DEVICE/{hw}/ack.
func (r *Router) PublishAck(hwID string, v any) error {
	return r.publish(wire.DeviceTopic(r.cfg.TopicPatternAck, hwID), "ack", v)
}

// PublishCmd sends a message to DEVICE/{hw}/cmd.
func (r *Router) PublishCmd(hwID string, v any) error {
	return r.publish(wire.DeviceTopic(r.cfg.TopicPatternCmd, hwID), "cmd", v)
}

func (r *Router) publish(topic, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.NewInternalError("outbound message marshal failed", err)
	}
	if err := r.client.Publish(topic, payload); err != nil {
		return err
	}
	if r.hub.Metrics != nil {
		r.hub.Metrics.MessagesOut.WithLabelValues(channel).Inc()
	}
	raw := models.JSONMap{}
	if err := json.Unmarshal(payload, &raw); err == nil {
		r.audit(topic, "out", raw)
	}
	return nil
}

func (r *Router) audit(topic, direction string, payload models.JSONMap) {
	entry := &models.AuditEntry{
		Topic:     topic,
		Direction: direction,
		Payload:   payload,
	}
	select {
	case r.auditCh <- entry:
	default:
		nuts.L.Debugf("[Router] Audit queue full, entry for %s dropped", topic)
	}
}

func (r *Router) runAuditWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case entry := <-r.auditCh:
			opCtx, cancel := r.hub.OpCtx(context.Background())
			_ = r.hub.Audit.Append(opCtx, entry)
			cancel()
		}
	}
}

func (r *Router) runStatusWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-r.statusCh:
			switch j.kind {
			case jobStatus:
				r.handshake.HandleStatus(r.ctx, j.hwID, j.status, j.raw)
			case jobAck:
				if j.ack.CommandID != nil {
					r.poller.HandleAck(r.ctx, j.hwID, *j.ack.CommandID)
				} else {
					nuts.L.Debugf("[Router] [%s] Ack without command_id dropped: %v", j.hwID, j.ack.Raw)
				}
			}
		}
	}
}

// scrubForAudit keeps chunk payloads out of the publish log, recording the
// encoded length instead. Unparseable payloads are logged raw.
func scrubForAudit(channel wire.Channel, raw models.JSONMap, payload []byte) models.JSONMap {
	if raw == nil {
		return models.JSONMap{"unparsed": string(payload)}
	}
	if channel != wire.ChannelData {
		return raw
	}
	if b64, ok := raw["payload"].(string); ok {
		scrubbed := models.JSONMap{}
		for k, v := range raw {
			if k == "payload" {
				continue
			}
			scrubbed[k] = v
		}
		scrubbed["payload_length"] = len(b64)
		return scrubbed
	}
	return raw
}
