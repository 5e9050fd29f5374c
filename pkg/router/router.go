// Package router is the orchestrator: pure, stateless routing between
// the pipeline stages. It owns no database; every decision is a function
// of the incoming routing key and the message's details, and the output
// is one or more published messages.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// Config configures the orchestrator.
type Config struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name,omitempty"`
	// RPCTimeout bounds the bridged list/find/meta/stat calls.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout" yaml:"rpc_timeout,omitempty"`
	// SystemStatTimeout bounds each per-worker liveness probe.
	SystemStatTimeout time.Duration `mapstructure:"system_stat_timeout" yaml:"system_stat_timeout,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.QueueName == "" {
		c.QueueName = "route_q"
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 30 * time.Second
	}
	if c.SystemStatTimeout == 0 {
		c.SystemStatTimeout = 5 * time.Second
	}
}

// Router subscribes to the ingress keys and to every worker's completion
// and failure events, and publishes the next stage for each.
type Router struct {
	bus    rabbit.Bus
	config Config
}

// New builds the orchestrator.
func New(bus rabbit.Bus, config Config) *Router {
	config.ApplyDefaults()
	return &Router{bus: bus, config: config}
}

// Queue describes the queue and bindings the orchestrator consumes.
func (r *Router) Queue() rabbit.QueueSpec {
	return rabbit.QueueSpec{
		Name: r.config.QueueName,
		Bindings: []string{
			message.BuildKey(message.Wild, message.KeyRoute, message.Wild),
			message.BuildKey(message.Wild, message.Wild, message.ActionComplete),
			message.BuildKey(message.Wild, message.Wild, message.ActionFailed),
			message.BuildKey(message.Wild, message.Wild, message.ActionInitComplete),
			message.BuildKey(message.Wild, message.Wild, message.ActionArchiveRestore),
		},
	}
}

// Run consumes until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	return r.bus.Consume(ctx, r.Queue(), r.Handle)
}

// Handle applies the transition table to one event.
func (r *Router) Handle(ctx context.Context, d rabbit.Delivery) error {
	_, workerKey, action, ok := message.ParseKey(d.RoutingKey)
	if !ok {
		logger.Warn("discarding message with malformed routing key",
			logger.RoutingKey(d.RoutingKey))
		return nil
	}
	m, err := d.Message()
	if err != nil {
		logger.Warn("discarding undecodable message",
			logger.RoutingKey(d.RoutingKey), logger.Err(err))
		return nil
	}
	m.AppendRoute(r.config.QueueName)

	lctx := logger.NewLogContext("router", d.RoutingKey).
		WithTransaction(m.Details.TransactionID, m.Details.SubID).
		WithOwner(m.Details.User, m.Details.Group)
	ctx = logger.WithContext(ctx, lctx)

	if workerKey == message.KeyRoute {
		return r.ingress(ctx, d, action, m)
	}
	return r.event(ctx, workerKey, action, m)
}

// ingress handles a fresh request from the API layer.
func (r *Router) ingress(ctx context.Context, d rabbit.Delivery, action string, m *message.Message) error {
	m.Details.APIAction = action
	if m.Details.JobLabel == "" {
		if m.Meta.Label != "" {
			m.Details.JobLabel = m.Meta.Label
		} else if len(m.Details.TransactionID) >= 8 {
			m.Details.JobLabel = m.Details.TransactionID[:8]
		}
	}
	if m.Details.SubID == "" && len(m.Data.Filelist) > 0 {
		m.Details.SubID = message.SubIDForFilelist(m.Data.Filelist)
	}

	switch action {
	case message.ActionPut, message.ActionPutlist:
		if err := r.publish(ctx, message.KeyCatalogPut, message.ActionInitiate, m); err != nil {
			return err
		}
		return r.publishState(ctx, m, message.StateRouting)

	case message.ActionGet, message.ActionGetlist:
		if err := r.publish(ctx, message.KeyCatalogGet, message.ActionStart, m); err != nil {
			return err
		}
		return r.publishState(ctx, m, message.StateRouting)

	case message.ActionList, message.ActionFind, message.ActionMeta:
		return r.bridge(ctx, d, message.KeyCatalogGet, action, m)

	case message.ActionStat:
		return r.bridge(ctx, d, message.KeyMonitorGet, action, m)

	case message.ActionArchivePut:
		// cron tick: hand the archive scan to the catalog
		return r.publish(ctx, message.KeyCatalogArchiveNext, message.ActionStart, m)

	case message.ActionSystemStat:
		return r.systemStat(ctx, d, m)
	}

	logger.WarnCtx(ctx, "ignoring unknown api action", logger.Action(action))
	return nil
}

// event applies one transition-table row to a worker event.
func (r *Router) event(ctx context.Context, workerKey, action string, m *message.Message) error {
	switch {
	case workerKey == message.KeyCatalogPut && action == message.ActionInitComplete:
		return r.publish(ctx, message.KeyIndex, message.ActionInitiate, m)

	case workerKey == message.KeyIndex && action == message.ActionComplete:
		return r.publish(ctx, message.KeyCatalogPut, message.ActionStart, m)

	case workerKey == message.KeyCatalogPut && action == message.ActionComplete:
		return r.publish(ctx, message.KeyTransferPut, message.ActionInitiate, m)

	case workerKey == message.KeyTransferPut && action == message.ActionComplete:
		return r.publish(ctx, message.KeyCatalogUpdate, message.ActionStart, m)

	case workerKey == message.KeyTransferPut && action == message.ActionFailed:
		return r.publish(ctx, message.KeyCatalogDel, message.ActionStart, m)

	case workerKey == message.KeyCatalogUpdate && action == message.ActionComplete:
		switch m.Details.APIAction {
		case message.ActionGet, message.ActionGetlist:
			return r.publish(ctx, message.KeyTransferGet, message.ActionInitiate, m)
		}
		// put flows end here; the catalog reported the final state
		return nil

	case workerKey == message.KeyCatalogGet && action == message.ActionComplete:
		if err := r.publishState(ctx, m, message.StateCatalogGetting); err != nil {
			return err
		}
		return r.publish(ctx, message.KeyTransferGet, message.ActionInitiate, m)

	case workerKey == message.KeyCatalogGet && action == message.ActionArchiveRestore:
		if err := r.publishState(ctx, m, message.StateCatalogGetting); err != nil {
			return err
		}
		return r.publish(ctx, message.KeyArchiveGet, message.ActionPrepare, m)

	case workerKey == message.KeyArchiveGet && action == message.ActionComplete:
		return r.publish(ctx, message.KeyCatalogUpdate, message.ActionStart, m)

	case workerKey == message.KeyArchiveGet && action == message.ActionFailed:
		out := m.Copy()
		out.Data.Filelist = m.Data.Filelist
		out.Data.StorageType = message.StorageObject
		return r.publish(ctx, message.KeyCatalogRemove, message.ActionStart, out)

	case workerKey == message.KeyTransferGet && action == message.ActionComplete:
		// final state of a get: the monitor promotes to COMPLETE
		return r.publishState(ctx, m, message.StateTransferGetting)

	case workerKey == message.KeyCatalogArchiveNext && action == message.ActionComplete:
		if err := r.publishState(ctx, m, message.StateArchiveInit); err != nil {
			return err
		}
		return r.publish(ctx, message.KeyArchivePut, message.ActionInitiate, m)

	case workerKey == message.KeyArchivePut && action == message.ActionComplete:
		return r.publish(ctx, message.KeyCatalogArchiveUpdate, message.ActionStart, m)

	case workerKey == message.KeyArchivePut && action == message.ActionFailed:
		out := m.Copy()
		out.Data.Filelist = m.Data.Filelist
		out.Data.StorageType = message.StorageTape
		return r.publish(ctx, message.KeyCatalogRemove, message.ActionStart, out)
	}

	logger.DebugCtx(ctx, "no transition for event")
	return nil
}

func (r *Router) publish(ctx context.Context, worker, action string, m *message.Message) error {
	return r.bus.Publish(ctx, message.BuildKey(message.RootKey, worker, action), m)
}

func (r *Router) publishState(ctx context.Context, m *message.Message, state message.State) error {
	out := m.Copy()
	out.Details.State = &state
	return r.publish(ctx, message.KeyMonitorPut, message.ActionStart, out)
}

// bridge forwards an RPC request to a worker and relays the reply to the
// original caller.
func (r *Router) bridge(ctx context.Context, d rabbit.Delivery, worker, action string, m *message.Message) error {
	reply, err := r.bus.Call(ctx, message.BuildKey(message.RootKey, worker, action), m, r.config.RPCTimeout)
	if err != nil && reply == nil {
		reply = m.Copy()
		reply.Details.Failure = err.Error()
	}
	if rerr := r.bus.Reply(ctx, d, reply); rerr != nil {
		logger.WarnCtx(ctx, "failed to relay rpc reply", logger.Err(rerr))
	}
	return nil
}

// systemStat probes every worker queue for liveness and aggregates the
// answers.
func (r *Router) systemStat(ctx context.Context, d rabbit.Delivery, m *message.Message) error {
	probes := []string{
		message.KeyCatalogGet,
		message.KeyMonitorGet,
		message.KeyIndex,
		message.KeyTransferPut,
		message.KeyTransferGet,
		message.KeyArchivePut,
		message.KeyArchiveGet,
	}

	status := make(map[string]string, len(probes))
	for _, worker := range probes {
		probe := m.Copy()
		_, err := r.bus.Call(ctx,
			message.BuildKey(message.RootKey, worker, message.ActionSystemStat),
			probe, r.config.SystemStatTimeout)
		if err != nil {
			status[worker] = "unreachable"
		} else {
			status[worker] = "alive"
		}
	}

	reply := m.Copy()
	raw, err := json.Marshal(status)
	if err != nil {
		reply.Details.Failure = err.Error()
	} else {
		reply.Data.Records = raw
	}
	if rerr := r.bus.Reply(ctx, d, reply); rerr != nil {
		logger.WarnCtx(ctx, "failed to send system status", logger.Err(rerr))
	}
	return nil
}
