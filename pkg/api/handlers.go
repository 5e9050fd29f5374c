package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// Handler answers the ingress endpoints. Transactions are accepted and
// handed to the orchestrator over the bus; query endpoints make a
// blocking RPC round trip through the orchestrator instead.
type Handler struct {
	bus    rabbit.Bus
	config Config
}

// NewHandler builds the ingress handler.
func NewHandler(bus rabbit.Bus, config Config) *Handler {
	config.ApplyDefaults()
	return &Handler{bus: bus, config: config}
}

// TransactionRequest is the body of the PUT and GET transaction
// endpoints.
type TransactionRequest struct {
	User     string   `json:"user"`
	Group    string   `json:"group"`
	GroupAll bool     `json:"group_all,omitempty"`
	Filelist []string `json:"filelist"`

	// Target is the retrieval destination directory (GET only).
	Target string `json:"target,omitempty"`

	// Holding selection / creation criteria.
	Label     string            `json:"label,omitempty"`
	HoldingID uint              `json:"holding_id,omitempty"`
	Tag       map[string]string `json:"tag,omitempty"`
	JobLabel  string            `json:"job_label,omitempty"`

	// Per-request connection overrides.
	Tenancy   string `json:"tenancy,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	TapeURL   string `json:"tape_url,omitempty"`
}

// message builds the bus envelope for a transaction request.
func (req *TransactionRequest) message() *message.Message {
	m := message.New()
	m.Details.TransactionID = uuid.NewString()
	m.Details.User = req.User
	m.Details.Group = req.Group
	m.Details.GroupAll = req.GroupAll
	m.Details.JobLabel = req.JobLabel
	m.Details.Tenancy = req.Tenancy
	m.Details.AccessKey = req.AccessKey
	m.Details.SecretKey = req.SecretKey
	m.Details.TapeURL = req.TapeURL
	m.Details.Target = req.Target
	m.Meta.Label = req.Label
	m.Meta.HoldingID = req.HoldingID
	m.Meta.Tag = req.Tag
	for _, path := range req.Filelist {
		m.Data.Filelist = append(m.Data.Filelist,
			&message.PathDetails{OriginalPath: path, PathType: message.PathUnindexed})
	}
	return m
}

func (req *TransactionRequest) validate() error {
	if req.User == "" {
		return errors.New("user is required")
	}
	if req.Group == "" {
		return errors.New("group is required")
	}
	if len(req.Filelist) == 0 {
		return errors.New("filelist is empty")
	}
	return nil
}

// PutFiles accepts an archive transaction: the named files are indexed,
// catalogued and uploaded.
func (h *Handler) PutFiles(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(fmt.Sprintf("malformed request: %v", err)))
		return
	}
	if err := req.validate(); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(err.Error()))
		return
	}

	action := message.ActionPutlist
	if len(req.Filelist) == 1 {
		action = message.ActionPut
	}
	h.accept(w, r, action, req.message())
}

// GetFiles accepts a retrieval transaction: the named files are located
// in the catalog and materialised under the target directory.
func (h *Handler) GetFiles(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(fmt.Sprintf("malformed request: %v", err)))
		return
	}
	if err := req.validate(); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(err.Error()))
		return
	}
	if req.Target == "" {
		JSON(w, http.StatusBadRequest, ErrorResponse("target directory is required"))
		return
	}

	action := message.ActionGetlist
	if len(req.Filelist) == 1 {
		action = message.ActionGet
	}
	h.accept(w, r, action, req.message())
}

// accept publishes the transaction to the orchestrator and acknowledges
// it with 202 and the transaction id.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, action string, m *message.Message) {
	key := message.BuildKey(message.RootKey, message.KeyRoute, action)
	if err := h.bus.Publish(r.Context(), key, m); err != nil {
		logger.Error("failed to publish transaction",
			logger.RoutingKey(key), logger.Err(err))
		JSON(w, http.StatusServiceUnavailable, ErrorResponse("message broker unavailable"))
		return
	}
	JSON(w, http.StatusAccepted, AcceptedResponse(m.Details.TransactionID))
}

// rpc makes the blocking round trip behind the query endpoints.
func (h *Handler) rpc(r *http.Request, action string, m *message.Message) (*message.Message, error) {
	key := message.BuildKey(message.RootKey, message.KeyRoute, action)
	reply, err := h.bus.Call(r.Context(), key, m, h.config.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Details.Failure != "" {
		return nil, errors.New(reply.Details.Failure)
	}
	return reply, nil
}

// respondRecords relays an RPC reply's records to the HTTP caller.
func (h *Handler) respondRecords(w http.ResponseWriter, r *http.Request, action string, m *message.Message) {
	reply, err := h.rpc(r, action, m)
	if err != nil {
		JSON(w, http.StatusBadGateway, ErrorResponse(err.Error()))
		return
	}
	resp := OKResponse(json.RawMessage(reply.Data.Records))
	resp.TransactionID = m.Details.TransactionID
	JSON(w, http.StatusOK, resp)
}

// queryMessage builds the envelope for a catalog or monitor query from
// the request's query parameters.
func queryMessage(r *http.Request) (*message.Message, error) {
	q := r.URL.Query()
	m := message.New()
	m.Details.TransactionID = uuid.NewString()
	m.Details.User = q.Get("user")
	m.Details.Group = q.Get("group")
	if m.Details.User == "" {
		return nil, errors.New("user is required")
	}
	if q.Get("group_all") != "" {
		groupAll, err := strconv.ParseBool(q.Get("group_all"))
		if err != nil {
			return nil, fmt.Errorf("malformed group_all: %v", err)
		}
		m.Details.GroupAll = groupAll
	}

	m.Meta.Label = q.Get("label")
	m.Meta.TransactionID = q.Get("transaction_id")
	m.Meta.Path = q.Get("path")
	if v := q.Get("holding_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed holding_id: %v", err)
		}
		m.Meta.HoldingID = uint(id)
	}
	if v := q.Get("tag"); v != "" {
		tag, err := parseTag(v)
		if err != nil {
			return nil, err
		}
		m.Meta.Tag = tag
	}

	// monitoring filters
	m.Meta.SubID = q.Get("sub_id")
	m.Meta.APIAction = q.Get("api_action")
	if v := q.Get("record_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed record_id: %v", err)
		}
		m.Meta.RecordID = uint(id)
	}
	if v := q.Get("state"); v != "" {
		state, err := message.ParseState(v)
		if err != nil {
			return nil, err
		}
		m.Meta.State = &state
	}
	return m, nil
}

// parseTag parses "key:value,key:value" tag selections.
func parseTag(raw string) (map[string]string, error) {
	tag := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("malformed tag %q, expected key:value", pair)
		}
		tag[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return tag, nil
}

// ListHoldings answers GET /catalog/holdings with the caller's holdings.
func (h *Handler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	m, err := queryMessage(r)
	if err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(err.Error()))
		return
	}
	h.respondRecords(w, r, message.ActionList, m)
}

// FindFiles answers GET /catalog/files with the matching catalogued
// files.
func (h *Handler) FindFiles(w http.ResponseWriter, r *http.Request) {
	m, err := queryMessage(r)
	if err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(err.Error()))
		return
	}
	h.respondRecords(w, r, message.ActionFind, m)
}

// MetaRequest is the body of the holding metadata endpoint.
type MetaRequest struct {
	User     string `json:"user"`
	Group    string `json:"group"`
	GroupAll bool   `json:"group_all,omitempty"`

	// Holding selection.
	Label         string            `json:"label,omitempty"`
	HoldingID     uint              `json:"holding_id,omitempty"`
	Tag           map[string]string `json:"tag,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`

	// Modifications.
	NewLabel string            `json:"new_label,omitempty"`
	NewTag   map[string]string `json:"new_tag,omitempty"`
	DelTag   map[string]string `json:"del_tag,omitempty"`
}

// UpdateMeta answers POST /catalog/meta, relabelling holdings and
// setting or deleting tags.
func (h *Handler) UpdateMeta(w http.ResponseWriter, r *http.Request) {
	var req MetaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(fmt.Sprintf("malformed request: %v", err)))
		return
	}
	if req.User == "" {
		JSON(w, http.StatusBadRequest, ErrorResponse("user is required"))
		return
	}
	if req.NewLabel == "" && len(req.NewTag) == 0 && len(req.DelTag) == 0 {
		JSON(w, http.StatusBadRequest, ErrorResponse("no metadata changes requested"))
		return
	}

	m := message.New()
	m.Details.TransactionID = uuid.NewString()
	m.Details.User = req.User
	m.Details.Group = req.Group
	m.Details.GroupAll = req.GroupAll
	m.Meta.Label = req.Label
	m.Meta.HoldingID = req.HoldingID
	m.Meta.Tag = req.Tag
	m.Meta.TransactionID = req.TransactionID
	m.Meta.NewMeta = &message.NewMeta{
		Label:  req.NewLabel,
		Tag:    req.NewTag,
		DelTag: req.DelTag,
	}
	h.respondRecords(w, r, message.ActionMeta, m)
}

// Stat answers GET /status with the monitor's view of the caller's
// transactions.
func (h *Handler) Stat(w http.ResponseWriter, r *http.Request) {
	m, err := queryMessage(r)
	if err != nil {
		JSON(w, http.StatusBadRequest, ErrorResponse(err.Error()))
		return
	}
	if v := r.URL.Query().Get("job_label"); v != "" {
		m.Details.JobLabel = v
	}
	h.respondRecords(w, r, message.ActionStat, m)
}

// SystemStatus answers GET /system/status with the per-worker liveness
// aggregated by the orchestrator.
func (h *Handler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	m := message.New()
	m.Details.TransactionID = uuid.NewString()
	h.respondRecords(w, r, message.ActionSystemStat, m)
}

// Health answers the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, OKResponse(map[string]string{"service": "nlds-api"}))
}
