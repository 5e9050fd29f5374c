package message

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/sha3"
)

// TypeStandard is the only message type currently in use.
const TypeStandard = "standard"

// Details is the transaction-identity section of the envelope. It is
// carried through the whole pipeline: every worker copies the incoming
// details into its outbound messages, changing only the state and the
// route trace.
type Details struct {
	TransactionID string `json:"transaction_id"`
	SubID         string `json:"sub_id,omitempty"`
	User          string `json:"user"`
	Group         string `json:"group"`
	GroupAll      bool   `json:"group_all,omitempty"`
	APIAction     string `json:"api_action"`
	State         *State `json:"state,omitempty"`
	JobLabel      string `json:"job_label,omitempty"`

	// Object store / tape connection details for the transfer workers.
	Tenancy   string `json:"tenancy,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	TapeURL   string `json:"tape_url,omitempty"`

	// Target is the retrieval destination directory for GET flows.
	Target string `json:"target,omitempty"`

	// Route is a diagnostic breadcrumb recording the chain of queues the
	// message has visited.
	Route string `json:"route,omitempty"`

	// Compress records that data.filelist is base64-of-zlib.
	Compress bool `json:"compress,omitempty"`

	// Failure carries an RPC error back to the caller.
	Failure string `json:"failure,omitempty"`
}

// Data is the payload section of the envelope.
type Data struct {
	Filelist []*PathDetails `json:"filelist,omitempty"`

	// CompressedFilelist replaces Filelist when details.compress is set.
	CompressedFilelist string `json:"filelist_z,omitempty"`

	// Tape staging bookkeeping for the archive-get flow.
	PrepareID string `json:"prepare_id,omitempty"`

	// StorageType scopes a location-removal rollback to one tier.
	StorageType string `json:"storage_type,omitempty"`

	// Aggregate results from the archive-put flow.
	Tarfile  string `json:"tarfile,omitempty"`
	Checksum uint32 `json:"checksum,omitempty"`

	// RetrievalDict groups files by the tarfile they are retrieved from.
	RetrievalDict map[string][]*PathDetails `json:"retrieval_dict,omitempty"`

	// Records carries RPC query replies (holdings, files, transaction
	// records) as raw JSON so the bus layer stays schema-agnostic.
	Records json.RawMessage `json:"records,omitempty"`
}

// Meta is the user-supplied selection criteria section.
type Meta struct {
	Label         string            `json:"label,omitempty"`
	HoldingID     uint              `json:"holding_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Tag           map[string]string `json:"tag,omitempty"`
	Path          string            `json:"path,omitempty"`
	NewMeta       *NewMeta          `json:"new_meta,omitempty"`

	// Monitoring stat filters.
	RecordID  uint   `json:"record_id,omitempty"`
	APIAction string `json:"api_action,omitempty"`
	SubID     string `json:"sub_id,omitempty"`
	State     *State `json:"state,omitempty"`
}

// NewMeta carries the modifications requested by a meta operation.
type NewMeta struct {
	Label  string            `json:"label,omitempty"`
	Tag    map[string]string `json:"tag,omitempty"`
	DelTag map[string]string `json:"del_tag,omitempty"`
}

// Message is the wire envelope. Every message on the exchange is one of
// these, JSON encoded.
type Message struct {
	Details Details `json:"details"`
	Data    Data    `json:"data"`
	Meta    Meta    `json:"meta"`
	Type    string  `json:"type"`
}

// New returns an empty standard message.
func New() *Message {
	return &Message{Type: TypeStandard}
}

// Marshal encodes the message for publishing. Filelists over the given
// limits are transparently compressed; limit values of zero disable
// compression.
func (m *Message) Marshal(maxFiles int, maxBytes int64) ([]byte, error) {
	if maxFiles > 0 && len(m.Data.Filelist) > 0 {
		raw, err := json.Marshal(m.Data.Filelist)
		if err != nil {
			return nil, err
		}
		if len(m.Data.Filelist) > maxFiles || (maxBytes > 0 && int64(len(raw)) > maxBytes) {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			if _, err := zw.Write(raw); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			out := *m
			out.Details.Compress = true
			out.Data.Filelist = nil
			out.Data.CompressedFilelist = base64.StdEncoding.EncodeToString(buf.Bytes())
			return json.Marshal(&out)
		}
	}
	return json.Marshal(m)
}

// Unmarshal decodes a message body, expanding a compressed filelist.
func Unmarshal(body []byte) (*Message, error) {
	m := New()
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("malformed message body: %w", err)
	}
	if m.Details.Compress && m.Data.CompressedFilelist != "" {
		raw, err := base64.StdEncoding.DecodeString(m.Data.CompressedFilelist)
		if err != nil {
			return nil, fmt.Errorf("malformed compressed filelist: %w", err)
		}
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("malformed compressed filelist: %w", err)
		}
		expanded, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("malformed compressed filelist: %w", err)
		}
		if err := json.Unmarshal(expanded, &m.Data.Filelist); err != nil {
			return nil, fmt.Errorf("malformed compressed filelist: %w", err)
		}
		m.Details.Compress = false
		m.Data.CompressedFilelist = ""
	}
	return m, nil
}

// Copy returns a message with the same details and meta but empty data,
// for workers that fan a message out or forward it with a new payload.
func (m *Message) Copy() *Message {
	out := New()
	out.Details = m.Details
	out.Meta = m.Meta
	return out
}

// WithState returns a copy of the message with the state set.
func (m *Message) WithState(s State) *Message {
	out := *m
	out.Details.State = &s
	return &out
}

// AppendRoute appends a breadcrumb to the route trace.
func (m *Message) AppendRoute(hop string) {
	if m.Details.Route == "" {
		m.Details.Route = hop
		return
	}
	m.Details.Route += "->" + hop
}

// SubIDForFilelist derives the stable sub-transaction id for a filelist:
// the first 16 hex characters of shake_256 over the sorted original paths.
// Any consumer that fans a message out into smaller batches recomputes the
// sub id the same way, so retries of the same batch share an identity.
func SubIDForFilelist(filelist []*PathDetails) string {
	paths := make([]string, len(filelist))
	for i, pd := range filelist {
		paths[i] = pd.OriginalPath
	}
	sort.Strings(paths)

	h := sha3.NewShake256()
	for _, p := range paths {
		h.Write([]byte(p))
	}
	sum := make([]byte, 8)
	h.Read(sum)
	return hex.EncodeToString(sum)
}
